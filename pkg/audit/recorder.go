package audit

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// RecorderObserver receives recorder outcomes for metrics
type RecorderObserver interface {
	AuditRecorded(eventType string)
	AuditRetried(eventType string)
	AuditEscalated(eventType string)
}

// RecorderConfig tunes the queued recorder
type RecorderConfig struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultRecorderConfig returns production defaults
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:    1024,
		Workers:      4,
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// RecorderOption configures a QueuedRecorder
type RecorderOption func(*QueuedRecorder)

// WithDeadLetter sets where events go once the sink has refused them after
// every retry
func WithDeadLetter(sink Sink) RecorderOption {
	return func(r *QueuedRecorder) { r.deadLetter = sink }
}

// WithRecorderObserver reports outcomes to obs
func WithRecorderObserver(obs RecorderObserver) RecorderOption {
	return func(r *QueuedRecorder) { r.obs = obs }
}

// WithRecorderLogger sets the logger used for escalations
func WithRecorderLogger(log *logrus.Logger) RecorderOption {
	return func(r *QueuedRecorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the source of event timestamps
func WithClock(now func() time.Time) RecorderOption {
	return func(r *QueuedRecorder) { r.now = now }
}

type queuedEvent struct {
	ctx   context.Context
	event *AuditEvent
}

// QueuedRecorder stamps events and hands them to worker goroutines that
// write them to the sink. Callers never wait on sink I/O unless the queue is
// full, in which case the write happens synchronously so nothing is dropped.
type QueuedRecorder struct {
	sink       Sink
	deadLetter Sink
	cfg        RecorderConfig
	log        *logrus.Logger
	obs        RecorderObserver
	now        func() time.Time

	queue   chan queuedEvent
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewQueuedRecorder starts the recorder's workers
func NewQueuedRecorder(sink Sink, cfg RecorderConfig, opts ...RecorderOption) *QueuedRecorder {
	defaults := DefaultRecorderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	r := &QueuedRecorder{
		sink:  sink,
		cfg:   cfg,
		log:   logrus.New(),
		now:   time.Now,
		queue: make(chan queuedEvent, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record stamps the event's UTC timestamp and risk score and queues it
func (r *QueuedRecorder) Record(ctx context.Context, event *AuditEvent) {
	r.stamp(event)
	ctx = context.WithoutCancel(ctx)

	r.pending.Add(1)
	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- queuedEvent{ctx: ctx, event: event}:
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()

	r.log.WithField("event_type", event.EventType).Debug("Audit queue unavailable, writing synchronously")
	r.deliver(ctx, event)
	r.pending.Add(-1)
}

func (r *QueuedRecorder) stamp(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Metadata == nil {
		event.Metadata = make(map[string]interface{})
	}
	event.RiskScore = Score(event)
}

func (r *QueuedRecorder) worker() {
	defer r.wg.Done()
	for item := range r.queue {
		r.safeDeliver(item)
	}
}

func (r *QueuedRecorder) safeDeliver(item queuedEvent) {
	defer r.pending.Add(-1)
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{
				"panic": p,
				"stack": string(debug.Stack()),
			}).Error("Audit worker panicked")
			r.escalate(item.ctx, item.event, fmt.Errorf("panic: %v", p))
		}
	}()
	r.deliver(item.ctx, item.event)
}

// deliver writes with linear backoff and escalates once retries run out
func (r *QueuedRecorder) deliver(ctx context.Context, event *AuditEvent) {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.obs != nil {
				r.obs.AuditRetried(string(event.EventType))
			}
			time.Sleep(r.cfg.RetryBackoff * time.Duration(attempt))
		}
		if err = r.sink.Write(ctx, event); err == nil {
			if r.obs != nil {
				r.obs.AuditRecorded(string(event.EventType))
			}
			return
		}
	}
	r.escalate(ctx, event, err)
}

func (r *QueuedRecorder) escalate(ctx context.Context, event *AuditEvent, cause error) {
	err := fmt.Errorf("%w: %v", ErrSinkUnavailable, cause)
	entry := r.log.WithFields(logrus.Fields{
		"alert":      true,
		"event_type": event.EventType,
		"request_id": event.RequestID,
	}).WithError(err)
	entry.Error("Audit event could not be written after retries")

	if r.obs != nil {
		r.obs.AuditEscalated(string(event.EventType))
	}

	if r.deadLetter != nil {
		dlErr := r.deadLetter.Write(ctx, event)
		if dlErr == nil {
			entry.Warn("Audit event stored in dead-letter file for replay")
			return
		}
		entry = entry.WithField("dead_letter_error", dlErr.Error())
	}

	payload, jsonErr := event.ToJSON()
	if jsonErr != nil {
		entry.WithField("event", fmt.Sprintf("%+v", *event)).Error("Audit event lost from durable storage")
		return
	}
	entry.WithField("event", string(payload)).Error("Audit event lost from durable storage")
}

// Pending returns the number of events accepted but not yet delivered
func (r *QueuedRecorder) Pending() int64 {
	return r.pending.Load()
}

// Flush waits until every accepted event has been delivered or escalated
func (r *QueuedRecorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("audit flush interrupted with %d events pending: %w", r.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting queued events and drains the queue. Events recorded
// after Close are written synchronously.
func (r *QueuedRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit recorder close interrupted with %d events pending: %w", r.pending.Load(), ctx.Err())
	}
}
