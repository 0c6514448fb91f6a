// Package contextkeys provides centralized context key definitions
//
// All context keys used across permitd are defined here so producers and
// consumers agree on key and value type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/permitd/pkg/contextkeys"
//	ctx = contextkeys.WithActorID(ctx, 42)
//	actorID, ok := contextkeys.GetActorID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, audit origin metadata
	RequestIDKey Key = "request_id"

	// ActorIDKey contains the authenticated actor's user ID (int64)
	// Set by: authz.ActorMiddleware from the gateway header
	// Used by: authz handlers, rate limiting
	ActorIDKey Key = "actor_id"

	// IPAddressKey contains the client's network origin
	// Set by: httputil.RequestIDMiddleware
	// Used by: audit origin metadata
	IPAddressKey Key = "ip_address"

	// UserAgentKey contains the client identity string
	// Set by: httputil.RequestIDMiddleware
	// Used by: audit origin metadata
	UserAgentKey Key = "user_agent"

	// LoggerKey contains *logrus.Entry
	// Set by: observability.WithLogger
	// Used by: handlers that log with request context
	LoggerKey Key = "logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithActorID adds the acting user's ID to the context
func WithActorID(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithOrigin adds the client's network origin and identity to the context
func WithOrigin(ctx context.Context, ipAddress, userAgent string) context.Context {
	ctx = context.WithValue(ctx, IPAddressKey, ipAddress)
	return context.WithValue(ctx, UserAgentKey, userAgent)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetActorID retrieves the acting user's ID from context
func GetActorID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ActorIDKey).(int64)
	return id, ok
}

// GetIPAddress retrieves the client's network origin from context
func GetIPAddress(ctx context.Context) string {
	return getString(ctx, IPAddressKey)
}

// GetUserAgent retrieves the client identity from context
func GetUserAgent(ctx context.Context) string {
	return getString(ctx, UserAgentKey)
}

func getString(ctx context.Context, key Key) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
