// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for permitd.
//
// # Structured Logging
//
//	log := observability.NewLogger(observability.ParseLogLevel("info"), "json", os.Stdout)
//	observability.LoggerFromContext(ctx, log).WithField("company_id", id).Info("Snapshot loaded")
//
// LoggerFromContext attaches the request id, the acting user and the active
// trace and span ids.
//
// # Metrics
//
// Metrics satisfies the observer interfaces of the resolver, the bulk
// coordinator and the audit recorder:
//
//	metrics := observability.NewMetrics(registry)
//	resolver := rbac.NewResolver(evaluator, store, cfg, rbac.WithCacheObserver(metrics))
//
// AttachOTel mirrors decision, commit and audit escalation counts to
// OpenTelemetry instruments.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version).WithAuditQueue(recorder, 1000)
//	observability.RegisterHealthRoutes(mux, checker)
//
// The database is required for readiness. Redis and an audit backlog only
// degrade it.
//
// # Shutdown
//
// ShutdownManager stops HTTP servers first and then runs the registered
// steps in order, so the audit queue drains before the database closes.
package observability
