package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSink fails the first `failures` writes, then delegates to MemorySink
type scriptedSink struct {
	*MemorySink
	failures atomic.Int64
	attempts atomic.Int64
	block    chan struct{}
}

func newScriptedSink(failures int64) *scriptedSink {
	s := &scriptedSink{MemorySink: NewMemorySink()}
	s.failures.Store(failures)
	return s
}

func (s *scriptedSink) Write(ctx context.Context, e *AuditEvent) error {
	s.attempts.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.failures.Add(-1) >= 0 {
		return errors.New("sink down")
	}
	return s.MemorySink.Write(ctx, e)
}

type countingObserver struct {
	mu                           sync.Mutex
	recorded, retried, escalated int
}

func (o *countingObserver) AuditRecorded(string) { o.mu.Lock(); o.recorded++; o.mu.Unlock() }
func (o *countingObserver) AuditRetried(string)  { o.mu.Lock(); o.retried++; o.mu.Unlock() }
func (o *countingObserver) AuditEscalated(string) {
	o.mu.Lock()
	o.escalated++
	o.mu.Unlock()
}

func fastConfig() RecorderConfig {
	return RecorderConfig{QueueSize: 16, Workers: 2, MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func TestQueuedRecorderStampsAndDelivers(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	obs := &countingObserver{}
	rec := NewQueuedRecorder(sink, fastConfig(),
		WithRecorderObserver(obs),
		WithClock(func() time.Time { return businessHours.In(time.FixedZone("X", 3600)) }))

	for i := 0; i < 5; i++ {
		rec.Record(ctx, &AuditEvent{EventType: EventTypePermissionGranted, Status: EventStatusSuccess})
	}
	require.NoError(t, rec.Flush(ctx))
	require.NoError(t, rec.Close(ctx))

	events := sink.Events()
	require.Len(t, events, 5)
	for _, e := range events {
		assert.Equal(t, time.UTC, e.Timestamp.Location())
		assert.True(t, e.Timestamp.Equal(businessHours))
		assert.Equal(t, 2, e.RiskScore)
		assert.NotNil(t, e.Metadata)
	}
	assert.Equal(t, 5, obs.recorded)
	assert.Zero(t, rec.Pending())
}

func TestQueuedRecorderRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	sink := newScriptedSink(2)
	obs := &countingObserver{}
	rec := NewQueuedRecorder(sink, RecorderConfig{QueueSize: 4, Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond},
		WithRecorderObserver(obs))

	rec.Record(ctx, &AuditEvent{EventType: EventTypeLogin})
	require.NoError(t, rec.Close(ctx))

	assert.Equal(t, 1, sink.Len())
	assert.Equal(t, int64(3), sink.attempts.Load())
	assert.Equal(t, 2, obs.retried)
	assert.Zero(t, obs.escalated)
}

func TestQueuedRecorderEscalatesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	log := logrus.New()
	log.SetOutput(&logs)
	log.SetFormatter(&logrus.JSONFormatter{})

	dead, err := NewFileSink(DeadLetterConfig(t.TempDir()), log)
	require.NoError(t, err)
	defer dead.Close()

	obs := &countingObserver{}
	rec := NewQueuedRecorder(newScriptedSink(100), fastConfig(),
		WithDeadLetter(dead),
		WithRecorderObserver(obs),
		WithRecorderLogger(log))

	rec.Record(ctx, &AuditEvent{EventType: EventTypeRoleChanged, RequestID: "req-9"})
	require.NoError(t, rec.Close(ctx))

	assert.Equal(t, 1, obs.escalated)
	assert.Contains(t, logs.String(), `"alert":true`)
	assert.Contains(t, logs.String(), ErrSinkUnavailable.Error())

	stored, err := dead.ReadEvents(0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "req-9", stored[0].RequestID)

	// Replay once the durable sink recovers
	durable := NewMemorySink()
	n, err := dead.Replay(ctx, durable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, EventTypeRoleChanged, durable.Events()[0].EventType)
}

func TestQueuedRecorderLogsEventWhenDeadLetterFails(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	log := logrus.New()
	log.SetOutput(&logs)
	log.SetFormatter(&logrus.JSONFormatter{})

	rec := NewQueuedRecorder(newScriptedSink(100), fastConfig(),
		WithDeadLetter(newScriptedSink(100)),
		WithRecorderLogger(log))

	rec.Record(ctx, &AuditEvent{EventType: EventTypeAccessDenied, Message: "denied expenses.approve"})
	require.NoError(t, rec.Close(ctx))

	assert.Contains(t, logs.String(), "Audit event lost from durable storage")
	assert.Contains(t, logs.String(), "denied expenses.approve")
	assert.Contains(t, logs.String(), "dead_letter_error")
}

func TestQueuedRecorderFullQueueWritesSynchronously(t *testing.T) {
	ctx := context.Background()
	sink := newScriptedSink(0)
	sink.block = make(chan struct{})
	rec := NewQueuedRecorder(sink, RecorderConfig{QueueSize: 1, Workers: 1, MaxRetries: 0})

	// The worker blocks on the first event and the second fills the queue
	rec.Record(ctx, &AuditEvent{EventType: EventTypeLogin})
	require.Eventually(t, func() bool { return sink.attempts.Load() == 1 }, time.Second, time.Millisecond)
	rec.Record(ctx, &AuditEvent{EventType: EventTypeLogin})

	done := make(chan struct{})
	go func() {
		rec.Record(ctx, &AuditEvent{EventType: EventTypeLoginFailed})
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.attempts.Load() == 2 }, time.Second, time.Millisecond,
		"third event is written by the caller")
	close(sink.block)
	<-done

	require.NoError(t, rec.Close(ctx))
	assert.Equal(t, 3, sink.Len())
}

func TestQueuedRecorderAfterClose(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	rec := NewQueuedRecorder(sink, fastConfig())
	require.NoError(t, rec.Close(ctx))
	require.NoError(t, rec.Close(ctx))

	rec.Record(ctx, &AuditEvent{EventType: EventTypeLogin})
	assert.Equal(t, 1, sink.Len())
}

func TestQueuedRecorderIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewMemorySink()
	rec := NewQueuedRecorder(sink, fastConfig())
	rec.Record(ctx, &AuditEvent{EventType: EventTypeLogin})
	require.NoError(t, rec.Close(context.Background()))
	assert.Equal(t, 1, sink.Len())
}
