package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// QueueReporter reports the number of audit events not yet delivered
type QueueReporter interface {
	Pending() int64
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) DependencyStatus

type dependency struct {
	name     string
	required bool
	check    CheckFunc
}

// HealthChecker reports liveness and readiness. A failing required
// dependency makes the service unhealthy; anything else only degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	deps    []dependency
	version string
}

// NewHealthChecker checks db as a required dependency and redis, when not
// nil, as an optional one
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.WithCheck("database", true, DatabaseCheck(db))
	}
	if redisClient != nil {
		h.WithCheck("redis", false, RedisCheck(redisClient))
	}
	return h
}

// WithCheck adds a named dependency check
func (h *HealthChecker) WithCheck(name string, required bool, check CheckFunc) *HealthChecker {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, dependency{name: name, required: required, check: check})
	return h
}

// WithAuditQueue degrades readiness while more than limit audit events are
// waiting for delivery
func (h *HealthChecker) WithAuditQueue(q QueueReporter, limit int64) *HealthChecker {
	return h.WithCheck("audit_queue", false, func(context.Context) DependencyStatus {
		status := DependencyStatus{Status: StatusHealthy, Timestamp: time.Now()}
		if pending := q.Pending(); limit > 0 && pending > limit {
			status.Status = StatusDegraded
			status.Message = fmt.Sprintf("%d audit events pending", pending)
		}
		return status
	})
}

// Liveness answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now(), Version: h.version})
}

// Readiness answers 503 when a required dependency is unhealthy and 200
// otherwise, with every dependency in the body
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Check runs every dependency check concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	deps := append([]dependency(nil), h.deps...)
	h.mu.RUnlock()

	results := make([]DependencyStatus, len(deps))
	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func(i int, dep dependency) {
			defer wg.Done()
			results[i] = dep.check(ctx)
		}(i, dep)
	}
	wg.Wait()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(deps)),
	}
	for i, dep := range deps {
		res := results[i]
		status.Dependencies[dep.name] = res
		status.Status = worse(status.Status, effective(res.Status, dep.required))
	}
	return status
}

// effective caps an optional dependency's failure at degraded
func effective(s string, required bool) string {
	if s == StatusUnhealthy && !required {
		return StatusDegraded
	}
	return s
}

var severity = map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

func worse(a, b string) string {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// DatabaseCheck pings db, runs a trivial query and reports an exhausted pool
// as degraded
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) DependencyStatus {
		start := time.Now()
		status := DependencyStatus{Status: StatusHealthy, Timestamp: start}

		err := db.PingContext(ctx)
		if err == nil {
			var one int
			if qerr := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); qerr != nil {
				err = fmt.Errorf("query failed: %w", qerr)
			}
		}
		status.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			status.Status = StatusUnhealthy
			status.Message = err.Error()
			return status
		}

		if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			status.Status = StatusDegraded
			status.Message = "connection pool exhausted"
		}
		return status
	}
}

// RedisCheck pings the redis server
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) DependencyStatus {
		start := time.Now()
		status := DependencyStatus{Status: StatusHealthy, Timestamp: start}
		err := client.Ping(ctx).Err()
		status.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			status.Status = StatusUnhealthy
			status.Message = err.Error()
		}
		return status
	}
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
