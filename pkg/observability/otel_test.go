package observability

import (
	"context"
	"io"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitOTel_Disabled(t *testing.T) {
	log := NewLogger(ErrorLevel, "json", io.Discard)
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, log)
	if err != nil {
		t.Fatalf("InitOTel returned %v", err)
	}
	if providers != nil {
		t.Errorf("Expected no providers when disabled, got %+v", providers)
	}
	if err := ShutdownOTel(context.Background(), providers, log); err != nil {
		t.Errorf("ShutdownOTel(nil) returned %v", err)
	}
}

func TestShutdownOTel_EmptyProviders(t *testing.T) {
	log := NewLogger(ErrorLevel, "json", io.Discard)
	if err := ShutdownOTel(context.Background(), &OTelProviders{}, log); err != nil {
		t.Errorf("ShutdownOTel returned %v", err)
	}
}

func TestShutdownOTel_LocalProvider(t *testing.T) {
	log := NewLogger(ErrorLevel, "json", io.Discard)
	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}
	if err := ShutdownOTel(context.Background(), providers, log); err != nil {
		t.Errorf("ShutdownOTel returned %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{2.5, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Sampler(tt.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("Sampler(%v) = %s, want parent based %s", tt.ratio, desc, tt.want)
		}
	}
}

func TestSamplerKeepsParentDecision(t *testing.T) {
	sampler := Sampler(0.0001)
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
	})
	res := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithSpanContext(context.Background(), parent),
		TraceID:       parent.TraceID(),
		Name:          "commit",
	})
	if res.Decision != sdktrace.RecordAndSample {
		t.Errorf("decision = %v, want RecordAndSample for a sampled parent", res.Decision)
	}
}
