package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/permitd/pkg/audit"
	"github.com/platinummonkey/permitd/pkg/authz"
	"github.com/platinummonkey/permitd/pkg/bulk"
	"github.com/platinummonkey/permitd/pkg/config"
	"github.com/platinummonkey/permitd/pkg/httputil"
	"github.com/platinummonkey/permitd/pkg/middleware"
	"github.com/platinummonkey/permitd/pkg/observability"
	"github.com/platinummonkey/permitd/pkg/rbac"
	"github.com/platinummonkey/permitd/pkg/templates"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "permitd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Observability.Environment,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if providers != nil {
		om, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		metrics.AttachOTel(om)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if err := rbac.RunMigrations(ctx, db, log); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	catalog, defaults, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	resolverOpts := []rbac.ResolverOption{rbac.WithCacheObserver(metrics), rbac.WithLogger(log)}
	if cfg.Redis.URL != "" {
		redisClient, err = rbac.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		bus := rbac.NewRedisInvalidationBus(redisClient, cfg.Redis.Channel, log)
		resolverOpts = append(resolverOpts, rbac.WithInvalidationBus(bus))
	}

	store := rbac.NewSQLStore(db)
	evaluator := rbac.NewEvaluator(catalog, defaults)
	resolver := rbac.NewResolver(evaluator, store, rbac.ResolverConfig{
		CacheSize: cfg.Cache.Size,
		CacheTTL:  cfg.Cache.TTL,
	}, resolverOpts...)
	validator := rbac.NewValidator(evaluator)

	auditDB, err := audit.NewDBLogger(db)
	if err != nil {
		return fmt.Errorf("failed to prepare audit table: %w", err)
	}
	deadLetter, err := audit.NewFileSink(audit.DeadLetterConfig(cfg.Audit.DeadLetterDir), log)
	if err != nil {
		return fmt.Errorf("failed to open audit dead letter: %w", err)
	}
	recorder := audit.NewQueuedRecorder(auditDB, audit.RecorderConfig{
		QueueSize:    cfg.Audit.QueueSize,
		Workers:      cfg.Audit.Workers,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryBackoff,
	}, audit.WithDeadLetter(deadLetter), audit.WithRecorderObserver(metrics), audit.WithRecorderLogger(log))

	coordinator := bulk.NewCoordinator(store, resolver, validator, recorder, bulk.Config{
		MaxAttempts: cfg.Commit.MaxAttempts,
		Backoff:     cfg.Commit.Backoff,
		Concurrency: cfg.Commit.Concurrency,
	}, bulk.WithObserver(metrics), bulk.WithLogger(log))
	engine := templates.NewEngine(templates.NewSQLStore(db), resolver, coordinator, recorder, templates.WithLogger(log))

	svc := authz.NewService(authz.Dependencies{
		Store:     store,
		Resolver:  resolver,
		Validator: validator,
		Committer: coordinator,
		Templates: engine,
		Recorder:  recorder,
		Reader:    auditDB,
	}, authz.WithDecisionObserver(metrics), authz.WithLogger(log))

	var handlerOpts []authz.HandlerOption
	if cfg.RateLimit.Enabled {
		actorLimiter, anonLimiter := middleware.Limiters(redisClient,
			cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.AnonymousPerMinute)
		limit := middleware.NewRateLimitMiddleware(actorLimiter, anonLimiter,
			middleware.WithFailOpen(cfg.RateLimit.FailOpen),
			middleware.WithRateLimitObserver(metrics),
			middleware.WithRateLimitLogger(log))
		handlerOpts = append(handlerOpts, authz.WithRequestLimit(limit.Handler))
	}

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(log),
		httputil.RecoveryMiddleware(log),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)
	if cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	authz.NewHandlers(svc, log, handlerOpts...).RegisterRoutes(router)

	var apiHandler http.Handler = router
	if providers != nil {
		apiHandler = otelhttp.NewHandler(router, "permitd")
	}
	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisClient, version).WithAuditQueue(recorder, cfg.Audit.QueueAlert)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           httputil.Chain(httputil.RecoveryMiddleware(log))(healthMux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := schedule(cfg.Audit.ReplaySchedule, deadLetter, auditDB, metrics, db, log)
	if err != nil {
		return err
	}
	if cfg.Audit.Archive.Bucket != "" {
		if err := scheduleArchive(ctx, scheduler, cfg.Audit.Archive, auditDB, log); err != nil {
			return err
		}
	}
	scheduler.Start()

	listenCtx, stopListening := context.WithCancel(ctx)
	go func() {
		defer observability.RecoverPanic(log, "invalidation listener")
		if err := resolver.ListenForInvalidations(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Invalidation listener stopped")
		}
	}()

	for name, srv := range map[string]*http.Server{"api": apiServer, "health": healthServer} {
		go func(name string, srv *http.Server) {
			log.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Starting server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("server", name).Fatal("Server failed")
			}
		}(name, srv)
	}

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("invalidation listener", func(context.Context) error {
		stopListening()
		return nil
	})
	shutdown.RegisterShutdownFunc("audit recorder", recorder.Close)
	shutdown.RegisterShutdownFunc("audit dead letter", func(context.Context) error {
		return deadLetter.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, log)
	})
	shutdown.RegisterShutdownFunc("database", func(context.Context) error {
		return db.Close()
	})

	log.WithField("version", version).Info("permitd started")
	return shutdown.WaitForShutdown()
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// loadCatalog returns the built-in catalog, extended by the configured file
// when there is one
func loadCatalog(cfg config.CatalogConfig) (*rbac.Catalog, *rbac.RoleDefaults, error) {
	catalog := rbac.DefaultCatalog()
	if cfg.File == "" {
		return catalog, rbac.DefaultRoleDefaults(catalog), nil
	}

	file, err := rbac.LoadCatalogFile(cfg.File)
	if err != nil {
		return nil, nil, err
	}
	catalog, err = catalog.Extend(file)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid catalog file %s: %w", cfg.File, err)
	}
	defaults, err := rbac.DefaultRoleDefaults(catalog).WithOverrides(catalog, file.RoleDefaults)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid role defaults in %s: %w", cfg.File, err)
	}
	return catalog, defaults, nil
}

// schedule sets up the background jobs: dead-letter replay and pool stats
func schedule(replaySpec string, deadLetter *audit.FileSink, sink audit.Sink, metrics *observability.Metrics, db *sql.DB, log *logrus.Logger) (*cron.Cron, error) {
	c := cron.New()

	if replaySpec != "" {
		_, err := c.AddFunc(replaySpec, func() {
			defer observability.RecoverPanic(log, "dead-letter replay")
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			n, err := deadLetter.Replay(ctx, sink)
			if n > 0 {
				metrics.AuditReplayed(n)
				log.WithField("events", n).Info("Replayed dead-lettered audit events")
			}
			if err != nil {
				log.WithError(err).Warn("Dead-letter replay stopped early")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule dead-letter replay: %w", err)
		}
	}

	_, err := c.AddFunc("@every 30s", func() {
		stats := db.Stats()
		metrics.UpdateDBStats(stats.InUse, stats.Idle)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule pool stats: %w", err)
	}
	return c, nil
}

// scheduleArchive copies each finished period of audit events to S3
func scheduleArchive(ctx context.Context, c *cron.Cron, cfg config.ArchiveConfig, reader audit.Reader, log *logrus.Logger) error {
	archiveCfg := audit.ArchiveConfig{
		Bucket:       cfg.Bucket,
		Prefix:       cfg.Prefix,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		UsePathStyle: cfg.UsePathStyle,
		Period:       cfg.Period,
	}
	client, err := audit.NewS3Client(ctx, archiveCfg)
	if err != nil {
		return err
	}
	archiver := audit.NewArchiver(reader, client, archiveCfg, log)

	_, err = c.AddFunc(cfg.Schedule, func() {
		defer observability.RecoverPanic(log, "audit archive")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := archiver.ArchivePrevious(ctx); err != nil {
			log.WithError(err).Error("Audit archive failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule audit archive: %w", err)
	}
	log.WithFields(logrus.Fields{"bucket": cfg.Bucket, "schedule": cfg.Schedule}).Info("Audit archive enabled")
	return nil
}
