package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/platinummonkey/permitd/pkg/contextkeys"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"WARN", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"info", InfoLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(WarnLevel, "json", &buf)

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("Info should be filtered at warn level, got %q", buf.String())
	}

	log.WithField("company_id", 7).Warn("kept")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if entry["msg"] != "kept" || entry["company_id"] != float64(7) {
		t.Errorf("Unexpected entry %v", entry)
	}

	buf.Reset()
	NewLogger(InfoLevel, "text", &buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("Expected text output, got %q", buf.String())
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(DebugLevel, "json", &buf)

	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	ctx = contextkeys.WithActorID(ctx, 42)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(ctx, "op")
	defer span.End()

	entry := LoggerFromContext(ctx, log)
	if entry.Data["request_id"] != "req-1" {
		t.Errorf("Expected request_id, got %v", entry.Data["request_id"])
	}
	if entry.Data["actor_id"] != int64(42) {
		t.Errorf("Expected actor_id, got %v", entry.Data["actor_id"])
	}
	if entry.Data["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace_id %s, got %v", span.SpanContext().TraceID(), entry.Data["trace_id"])
	}

	stored := logrus.NewEntry(log).WithField("stored", true)
	if got := LoggerFromContext(WithLogger(ctx, stored), log); got != stored {
		t.Error("Expected the entry stored in the context")
	}
}

func TestRecoverPanicWithCallback(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(InfoLevel, "json", &buf)
	called := false

	func() {
		defer RecoverPanicWithCallback(log, "worker", func() { called = true })
		panic("boom")
	}()

	if !called {
		t.Error("Expected callback to run after a panic")
	}
	if !strings.Contains(buf.String(), `"panic":"boom"`) {
		t.Errorf("Expected panic to be logged, got %q", buf.String())
	}
	if err := MustRecover(nil); err != nil {
		t.Errorf("MustRecover(nil) = %v", err)
	}
}
