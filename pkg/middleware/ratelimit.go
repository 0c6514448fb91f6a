package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/permitd/pkg/contextkeys"
	"github.com/platinummonkey/permitd/pkg/httputil"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns the limits for requests without an actor
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         60,
	}
}

// PerActorRateLimitConfig returns the limits for one acting user
func PerActorRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 300,
		WindowDuration:    time.Minute,
		BurstSize:         30,
	}
}

func (c *RateLimitConfig) capacity() int {
	return c.RequestsPerWindow + c.BurstSize
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter implements rate limiting using token bucket algorithm. Buckets
// are local to the process; use DistributedRateLimiter to share them.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes a token from key's bucket
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := rl.now()

	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.config.capacity(),
			lastUpdate: now,
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastUpdate)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens = min(b.tokens+tokensToAdd, rl.config.capacity())
		b.lastUpdate = now
	}

	d := Decision{Limit: rl.config.RequestsPerWindow, ResetIn: rl.config.WindowDuration}
	if b.tokens > 0 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = b.tokens
	return d, nil
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.config.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes buckets idle for two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitObserver is told about refused requests
type RateLimitObserver interface {
	RateLimited(scope string)
}

const (
	scopeActor     = "actor"
	scopeAnonymous = "anonymous"
)

// RateLimitMiddleware limits mutating requests per acting user, or per
// client IP when the request carries no actor. Safe methods pass through.
type RateLimitMiddleware struct {
	actor     Limiter
	anonymous Limiter
	failOpen  bool
	obs       RateLimitObserver
	log       *logrus.Logger
}

// RateLimitOption configures a RateLimitMiddleware
type RateLimitOption func(*RateLimitMiddleware)

// WithFailOpen lets requests through when the limiter itself fails
func WithFailOpen(failOpen bool) RateLimitOption {
	return func(m *RateLimitMiddleware) { m.failOpen = failOpen }
}

// WithRateLimitObserver reports refused requests to obs
func WithRateLimitObserver(obs RateLimitObserver) RateLimitOption {
	return func(m *RateLimitMiddleware) { m.obs = obs }
}

// WithRateLimitLogger sets the logger for limiter failures
func WithRateLimitLogger(log *logrus.Logger) RateLimitOption {
	return func(m *RateLimitMiddleware) {
		if log != nil {
			m.log = log
		}
	}
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(actor, anonymous Limiter, opts ...RateLimitOption) *RateLimitMiddleware {
	m := &RateLimitMiddleware{
		actor:     actor,
		anonymous: anonymous,
		failOpen:  true,
		log:       logrus.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		scope, key, limiter := scopeAnonymous, "ip:"+httputil.ClientIP(r), m.anonymous
		if actorID, ok := contextkeys.GetActorID(r.Context()); ok {
			scope, key, limiter = scopeActor, fmt.Sprintf("actor:%d", actorID), m.actor
		}

		d, err := limiter.Allow(r.Context(), key)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"key":        key,
				"request_id": contextkeys.GetRequestID(r.Context()),
			}).Warn("Rate limiter unavailable")
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}

		setRateLimitHeaders(w, d)
		if !d.Allowed {
			if m.obs != nil {
				m.obs.RateLimited(scope)
			}
			retryAfter := int(d.ResetIn.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(d.Remaining, 0)))
	if d.ResetIn > 0 {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(d.ResetIn).Unix()))
	}
}
