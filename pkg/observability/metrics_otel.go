package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for access decisions,
// commits and audit escalation
type OTelMetrics struct {
	decisions        metric.Int64Counter
	commitGroups     metric.Int64Counter
	commitDuration   metric.Float64Histogram
	commitGroupSize  metric.Int64Histogram
	auditEscalations metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter("github.com/platinummonkey/permitd"))
}

// NewOTelMetricsWithMeter creates the instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"permitd.decisions",
		metric.WithDescription("Access decisions by kind and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.commitGroups, err = meter.Int64Counter(
		"permitd.commit.groups",
		metric.WithDescription("Per-user commit groups by outcome"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit groups counter: %w", err)
	}

	m.commitDuration, err = meter.Float64Histogram(
		"permitd.commit.duration",
		metric.WithDescription("Bulk commit duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit duration histogram: %w", err)
	}

	m.commitGroupSize, err = meter.Int64Histogram(
		"permitd.commit.size",
		metric.WithDescription("Target users per bulk commit"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit size histogram: %w", err)
	}

	m.auditEscalations, err = meter.Int64Counter(
		"permitd.audit.sink_unavailable",
		metric.WithDescription("Audit events escalated after exhausting retries"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit escalation counter: %w", err)
	}

	return m, nil
}

// RecordDecision records an access decision
func (m *OTelMetrics) RecordDecision(ctx context.Context, kind string, allowed bool) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision.kind", kind),
		attribute.Bool("decision.allowed", allowed),
	))
}

// RecordGroup records a commit group outcome
func (m *OTelMetrics) RecordGroup(ctx context.Context, status string) {
	m.commitGroups.Add(ctx, 1, metric.WithAttributes(attribute.String("commit.status", status)))
}

// RecordCommit records a bulk commit
func (m *OTelMetrics) RecordCommit(ctx context.Context, duration time.Duration, groups int) {
	m.commitDuration.Record(ctx, duration.Seconds())
	m.commitGroupSize.Record(ctx, int64(groups))
}

// RecordAuditEscalation records an audit event sent to the dead letter
func (m *OTelMetrics) RecordAuditEscalation(ctx context.Context, eventType string) {
	m.auditEscalations.Add(ctx, 1, metric.WithAttributes(attribute.String("audit.event_type", eventType)))
}
