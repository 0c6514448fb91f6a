package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiSink writes every event to several sinks. The first sink is the
// system of record: it assigns the event ID that the others see.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that writes to multiple destinations
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write writes the event to every sink, continuing past failures. A write
// only succeeds when every sink accepted the event, so a retry may
// duplicate the event in the sinks that already succeeded.
func (m *MultiSink) Write(ctx context.Context, event *AuditEvent) error {
	var errs []error
	for i, sink := range m.sinks {
		if err := sink.Write(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Search delegates to the first sink that can search
func (m *MultiSink) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	for _, sink := range m.sinks {
		if r, ok := sink.(Reader); ok {
			return r.Search(ctx, filter)
		}
	}
	return nil, fmt.Errorf("no searchable audit sink configured")
}
