// Package httputil provides the JSON response helpers, request parsing and
// middleware shared by the permitd HTTP API.
//
// Middleware is composed with Chain:
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware(log),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(log),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
//
// RequestIDMiddleware stores the request id and client origin in the context
// through pkg/contextkeys, where audit events pick them up.
package httputil
