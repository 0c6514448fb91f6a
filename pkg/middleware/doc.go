// Package middleware rate limits mutating API requests.
//
// Requests that carry an acting user are counted per actor; the rest (the
// gateway's login reports) per client IP. GET, HEAD and OPTIONS are never
// limited. Two Limiter implementations exist:
//
//	RateLimiter             token bucket held in process memory
//	DistributedRateLimiter  fixed window counter shared through redis
//
// Limiters picks the redis implementation when a client is configured:
//
//	actor, anon := middleware.Limiters(redisClient, 300, 30, 600)
//	limit := middleware.NewRateLimitMiddleware(actor, anon,
//		middleware.WithFailOpen(true),
//		middleware.WithRateLimitObserver(metrics))
//	handlers := authz.NewHandlers(svc, log, authz.WithRequestLimit(limit.Handler))
//
// Refused requests get 429 with Retry-After and X-RateLimit-* headers. When
// the limiter itself fails, requests pass (fail open) or get 503.
package middleware
