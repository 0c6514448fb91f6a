package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_Observers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.DecisionObserved("permission", true)
	m.DecisionObserved("permission", false)
	m.DecisionObserved("permission", false)
	m.GroupCompleted("applied")
	m.CommitObserved(20*time.Millisecond, 3)
	m.CacheHit("snapshot")
	m.CacheMiss("snapshot")
	m.CacheInvalidated("company")
	m.AuditRecorded("permission_granted")
	m.AuditRetried("permission_granted")
	m.AuditEscalated("permission_granted")
	m.AuditReplayed(4)
	m.UpdateDBStats(3, 5)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"allowed decisions", testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("permission", "allowed")), 1},
		{"denied decisions", testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("permission", "denied")), 2},
		{"applied groups", testutil.ToFloat64(m.CommitGroupsTotal.WithLabelValues("applied")), 1},
		{"cache hits", testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("snapshot")), 1},
		{"cache misses", testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("snapshot")), 1},
		{"invalidations", testutil.ToFloat64(m.CacheInvalidationsTotal.WithLabelValues("company")), 1},
		{"audit recorded", testutil.ToFloat64(m.AuditEventsTotal.WithLabelValues("permission_granted")), 1},
		{"audit retried", testutil.ToFloat64(m.AuditRetriesTotal.WithLabelValues("permission_granted")), 1},
		{"audit escalated", testutil.ToFloat64(m.AuditEscalatedTotal.WithLabelValues("permission_granted")), 1},
		{"audit replayed", testutil.ToFloat64(m.AuditReplayedTotal), 4},
		{"db active", testutil.ToFloat64(m.DBConnectionsActive), 3},
		{"db idle", testutil.ToFloat64(m.DBConnectionsIdle), 5},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.CommitDuration); n != 1 {
		t.Errorf("Expected commit duration to be collected, got %d series", n)
	}
}

func TestHTTPMetricsMiddleware_LabelsByRoute(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/v1/users/{id}/access", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	for _, path := range []string{"/v1/users/1/access", "/v1/users/2/access"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/users/{id}/access", "403"))
	if got != 2 {
		t.Errorf("Expected 2 requests on the route template, got %v", got)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.DecisionObserved("module", true)

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `permitd_decisions_total{kind="module",result="allowed"} 1`) {
		t.Errorf("Expected decision counter in exposition, got:\n%s", rr.Body.String())
	}
}

func TestMetrics_MirrorsToOTel(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	om, err := NewOTelMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewOTelMetricsWithMeter returned %v", err)
	}
	m := NewMetrics(prometheus.NewRegistry())
	m.AttachOTel(om)

	m.DecisionObserved("change", false)
	m.GroupCompleted("conflict")
	m.CommitObserved(time.Millisecond, 2)
	m.AuditEscalated("access_denied")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect returned %v", err)
	}

	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			seen[metric.Name] = true
		}
	}
	for _, name := range []string{
		"permitd.decisions",
		"permitd.commit.groups",
		"permitd.commit.duration",
		"permitd.commit.size",
		"permitd.audit.sink_unavailable",
	} {
		if !seen[name] {
			t.Errorf("Expected instrument %s to be exported", name)
		}
	}
}
