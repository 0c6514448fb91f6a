package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrSinkUnavailable marks an event that could not be durably written after
// every retry. It is an operational signal and never reaches API callers.
var ErrSinkUnavailable = errors.New("audit.sink_unavailable")

// Sink durably stores audit events. There is no update or delete path.
type Sink interface {
	Write(ctx context.Context, event *AuditEvent) error
}

// Reader searches stored audit events
type Reader interface {
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)
}

// Recorder accepts events for recording. Record never fails from the
// caller's point of view.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent)
}

// MemorySink keeps events in memory. It is used in tests and as a fallback
// when no database is configured.
type MemorySink struct {
	mu     sync.RWMutex
	events []*AuditEvent
	nextID int64
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends a copy of the event and assigns its ID
func (m *MemorySink) Write(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// Search returns matching events, newest first
func (m *MemorySink) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	m.mu.RLock()
	matched := make([]*AuditEvent, 0)
	for _, e := range m.events {
		if filter.Matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*AuditEvent{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Events returns every stored event in write order
func (m *MemorySink) Events() []*AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Len returns the number of stored events
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
