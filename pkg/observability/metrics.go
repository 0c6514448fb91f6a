package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Access decisions
	DecisionsTotal *prometheus.CounterVec

	// Commit metrics
	CommitGroupsTotal *prometheus.CounterVec
	CommitDuration    prometheus.Histogram

	// Snapshot cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal    *prometheus.CounterVec
	AuditRetriesTotal   *prometheus.CounterVec
	AuditEscalatedTotal *prometheus.CounterVec
	AuditReplayedTotal  prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	RateLimitedTotal *prometheus.CounterVec

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permitd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_decisions_total",
				Help: "Access decisions by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		CommitGroupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_commit_groups_total",
				Help: "Per-user commit groups by outcome",
			},
			[]string{"status"},
		),
		CommitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permitd_commit_duration_seconds",
				Help:    "Duration of bulk commits",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_cache_invalidations_total",
				Help: "Snapshot cache invalidations by scope",
			},
			[]string{"scope"},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_audit_events_total",
				Help: "Audit events delivered to the durable sink",
			},
			[]string{"event_type"},
		),
		AuditRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_audit_retries_total",
				Help: "Audit sink write retries",
			},
			[]string{"event_type"},
		),
		AuditEscalatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_audit_sink_unavailable_total",
				Help: "Audit events that exhausted retries and went to the dead letter",
			},
			[]string{"event_type"},
		),
		AuditReplayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitd_audit_replayed_total",
				Help: "Dead-letter audit events replayed into the durable sink",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permitd_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permitd_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_rate_limited_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"scope"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.CommitGroupsTotal,
		m.CommitDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.AuditEventsTotal,
		m.AuditRetriesTotal,
		m.AuditEscalatedTotal,
		m.AuditReplayedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.RateLimitedTotal,
	)

	return m
}

// AttachOTel mirrors domain metrics to OpenTelemetry instruments
func (m *Metrics) AttachOTel(om *OTelMetrics) {
	m.otel = om
}

// DecisionObserved counts a permission, module or change decision
func (m *Metrics) DecisionObserved(kind string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.DecisionsTotal.WithLabelValues(kind, result).Inc()
	if m.otel != nil {
		m.otel.RecordDecision(context.Background(), kind, allowed)
	}
}

// GroupCompleted counts a per-user commit group outcome
func (m *Metrics) GroupCompleted(status string) {
	m.CommitGroupsTotal.WithLabelValues(status).Inc()
	if m.otel != nil {
		m.otel.RecordGroup(context.Background(), status)
	}
}

// CommitObserved records the duration of a bulk commit
func (m *Metrics) CommitObserved(duration time.Duration, groups int) {
	m.CommitDuration.Observe(duration.Seconds())
	if m.otel != nil {
		m.otel.RecordCommit(context.Background(), duration, groups)
	}
}

// CacheHit counts a snapshot cache hit
func (m *Metrics) CacheHit(cache string) {
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// CacheMiss counts a snapshot cache miss
func (m *Metrics) CacheMiss(cache string) {
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// CacheInvalidated counts a cache invalidation
func (m *Metrics) CacheInvalidated(scope string) {
	m.CacheInvalidationsTotal.WithLabelValues(scope).Inc()
}

// AuditRecorded counts an audit event delivered to the sink
func (m *Metrics) AuditRecorded(eventType string) {
	m.AuditEventsTotal.WithLabelValues(eventType).Inc()
}

// AuditRetried counts a retried audit write
func (m *Metrics) AuditRetried(eventType string) {
	m.AuditRetriesTotal.WithLabelValues(eventType).Inc()
}

// AuditEscalated counts an audit event that exhausted its retries
func (m *Metrics) AuditEscalated(eventType string) {
	m.AuditEscalatedTotal.WithLabelValues(eventType).Inc()
	if m.otel != nil {
		m.otel.RecordAuditEscalation(context.Background(), eventType)
	}
}

// AuditReplayed counts dead-letter events written back to the durable sink
func (m *Metrics) AuditReplayed(n int) {
	m.AuditReplayedTotal.Add(float64(n))
}

// RateLimited counts a request refused for scope ("actor" or "anonymous")
func (m *Metrics) RateLimited(scope string) {
	m.RateLimitedTotal.WithLabelValues(scope).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(active, idle int) {
	m.DBConnectionsActive.Set(float64(active))
	m.DBConnectionsIdle.Set(float64(idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and latencies labelled by the
// matched route template, so path ids do not explode cardinality
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the Prometheus metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
