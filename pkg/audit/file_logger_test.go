package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestFileSink_Basic(t *testing.T) {
	sink, err := NewFileSink(FileSinkConfig{BasePath: t.TempDir(), MaxSize: 1024 * 1024, MaxFiles: 5}, quietLogger())
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	actor := int64(123)
	require.NoError(t, sink.Write(ctx, &AuditEvent{
		Timestamp: businessHours,
		EventType: EventTypeLogin,
		Status:    EventStatusSuccess,
		ActorID:   &actor,
		IPAddress: "192.168.1.1",
	}))

	assert.FileExists(t, filepath.Join(sink.basePath, "audit.log"))

	events, err := sink.ReadEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeLogin, events[0].EventType)
	assert.Equal(t, int64(123), *events[0].ActorID)
}

func TestFileSink_Rotation(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(FileSinkConfig{BasePath: dir, Rotate: true, MaxSize: 100, MaxFiles: 2}, quietLogger())
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Write(ctx, &AuditEvent{
			Timestamp: businessHours,
			EventType: EventTypePermissionGranted,
			Message:   "a message long enough to fill the file quickly",
		}))
	}

	rotated, err := sink.rotatedFiles()
	require.NoError(t, err)
	assert.Len(t, rotated, 2, "old files beyond MaxFiles are removed")
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	sink, err := NewFileSink(FileSinkConfig{BasePath: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.Error(t, sink.Write(context.Background(), &AuditEvent{EventType: EventTypeLogin}))
}

type flakySink struct {
	failAfter int
	written   []*AuditEvent
}

func (f *flakySink) Write(ctx context.Context, e *AuditEvent) error {
	if f.failAfter >= 0 && len(f.written) >= f.failAfter {
		return errors.New("database unavailable")
	}
	f.written = append(f.written, e)
	return nil
}

func TestFileSink_Replay(t *testing.T) {
	ctx := context.Background()

	write := func(t *testing.T, sink *FileSink, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, sink.Write(ctx, &AuditEvent{
				ID:         int64(i + 100),
				Timestamp:  businessHours,
				EventType:  EventTypeRoleChanged,
				ResourceID: string(rune('a' + i)),
			}))
		}
	}

	t.Run("delivers and removes files", func(t *testing.T) {
		sink, err := NewFileSink(DeadLetterConfig(t.TempDir()), quietLogger())
		require.NoError(t, err)
		defer sink.Close()
		write(t, sink, 3)

		target := &flakySink{failAfter: -1}
		n, err := sink.Replay(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		require.Len(t, target.written, 3)
		assert.Equal(t, "a", target.written[0].ResourceID)
		assert.Zero(t, target.written[0].ID, "ids are reassigned by the target sink")

		rotated, err := sink.rotatedFiles()
		require.NoError(t, err)
		assert.Empty(t, rotated)

		// Writes continue in a fresh current file
		write(t, sink, 1)
		n, err = sink.Replay(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("keeps undelivered remainder", func(t *testing.T) {
		sink, err := NewFileSink(DeadLetterConfig(t.TempDir()), quietLogger())
		require.NoError(t, err)
		defer sink.Close()
		write(t, sink, 4)

		n, err := sink.Replay(ctx, &flakySink{failAfter: 1})
		require.Error(t, err)
		assert.Equal(t, 1, n)

		target := &flakySink{failAfter: -1}
		n, err = sink.Replay(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		require.Len(t, target.written, 3)
		assert.Equal(t, "b", target.written[0].ResourceID)
	})

	t.Run("nothing to replay", func(t *testing.T) {
		sink, err := NewFileSink(DeadLetterConfig(t.TempDir()), quietLogger())
		require.NoError(t, err)
		defer sink.Close()

		n, err := sink.Replay(ctx, &flakySink{failAfter: -1})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
