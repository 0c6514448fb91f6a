package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/permitd/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Cache         CacheConfig
	Audit         AuditConfig
	Commit        CommitConfig
	Catalog       CatalogConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds the postgres connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the invalidation bus settings. An empty URL disables
// cross-instance invalidation.
type RedisConfig struct {
	URL     string
	Channel string
}

// CacheConfig sizes the access snapshot cache. A zero size disables it.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// AuditConfig holds the audit recorder settings
type AuditConfig struct {
	QueueSize      int
	Workers        int
	MaxRetries     int
	RetryBackoff   time.Duration
	DeadLetterDir  string
	ReplaySchedule string
	// QueueAlert is the backlog above which readiness reports degraded
	QueueAlert int64
	Archive    ArchiveConfig
}

// ArchiveConfig holds the S3 archive settings. An empty bucket disables the
// archive.
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Schedule     string
	Period       time.Duration
}

// CommitConfig holds the bulk commit settings
type CommitConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Concurrency int
}

// RateLimitConfig bounds mutating requests per actor, or per client IP for
// requests without one. Counters live in redis when it is configured.
type RateLimitConfig struct {
	Enabled            bool
	RequestsPerMinute  int
	Burst              int
	AnonymousPerMinute int
	FailOpen           bool // allow requests while redis is unreachable
}

// CatalogConfig points at an optional YAML catalog extension
type CatalogConfig struct {
	File string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  observability.LogLevel
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
	Environment        string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Cache:         loadCacheConfig(),
		Audit:         loadAuditConfig(),
		Commit:        loadCommitConfig(),
		Catalog:       CatalogConfig{File: getEnv("PERMITD_CATALOG_FILE", "")},
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PERMITD_HOST", "0.0.0.0"),
		Port:            getEnv("PERMITD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PERMITD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PERMITD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PERMITD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PERMITD_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("PERMITD_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("PERMITD_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("PERMITD_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("PERMITD_DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("PERMITD_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("PERMITD_DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:     getEnv("PERMITD_REDIS_URL", ""),
		Channel: getEnv("PERMITD_REDIS_CHANNEL", "permitd:invalidations"),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Size: getEnvInt("PERMITD_CACHE_SIZE", 10000),
		TTL:  getEnvDuration("PERMITD_CACHE_TTL", 5*time.Minute),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		QueueSize:      getEnvInt("PERMITD_AUDIT_QUEUE_SIZE", 1024),
		Workers:        getEnvInt("PERMITD_AUDIT_WORKERS", 4),
		MaxRetries:     getEnvInt("PERMITD_AUDIT_MAX_RETRIES", 3),
		RetryBackoff:   getEnvDuration("PERMITD_AUDIT_RETRY_BACKOFF", 200*time.Millisecond),
		DeadLetterDir:  getEnv("PERMITD_AUDIT_DEAD_LETTER_DIR", "/var/lib/permitd/dead-letter"),
		ReplaySchedule: getEnv("PERMITD_AUDIT_REPLAY_SCHEDULE", "@every 5m"),
		QueueAlert:     getEnvInt64("PERMITD_AUDIT_QUEUE_ALERT", 1000),
		Archive: ArchiveConfig{
			Bucket:       getEnv("PERMITD_AUDIT_ARCHIVE_BUCKET", ""),
			Prefix:       getEnv("PERMITD_AUDIT_ARCHIVE_PREFIX", "audit"),
			Region:       getEnv("PERMITD_AUDIT_ARCHIVE_REGION", "us-east-1"),
			Endpoint:     getEnv("PERMITD_AUDIT_ARCHIVE_ENDPOINT", ""),
			AccessKey:    getEnv("PERMITD_AUDIT_ARCHIVE_ACCESS_KEY", ""),
			SecretKey:    getEnv("PERMITD_AUDIT_ARCHIVE_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("PERMITD_AUDIT_ARCHIVE_PATH_STYLE", false),
			Schedule:     getEnv("PERMITD_AUDIT_ARCHIVE_SCHEDULE", "5 * * * *"),
			Period:       getEnvDuration("PERMITD_AUDIT_ARCHIVE_PERIOD", time.Hour),
		},
	}
}

func loadCommitConfig() CommitConfig {
	return CommitConfig{
		MaxAttempts: getEnvInt("PERMITD_COMMIT_MAX_ATTEMPTS", 3),
		Backoff:     getEnvDuration("PERMITD_COMMIT_BACKOFF", 50*time.Millisecond),
		Concurrency: getEnvInt("PERMITD_COMMIT_CONCURRENCY", 8),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:            getEnvBool("PERMITD_RATE_LIMIT_ENABLED", true),
		RequestsPerMinute:  getEnvInt("PERMITD_RATE_LIMIT_PER_MINUTE", 300),
		Burst:              getEnvInt("PERMITD_RATE_LIMIT_BURST", 30),
		AnonymousPerMinute: getEnvInt("PERMITD_RATE_LIMIT_ANONYMOUS_PER_MINUTE", 600),
		FailOpen:           getEnvBool("PERMITD_RATE_LIMIT_FAIL_OPEN", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("PERMITD_LOG_LEVEL", "info")),
		LogFormat:          getEnv("PERMITD_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("PERMITD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PERMITD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PERMITD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PERMITD_OTEL_SERVICE_NAME", "permitd"),
		OTelServiceVersion: getEnv("PERMITD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PERMITD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PERMITD_OTEL_SAMPLE_RATIO", 1),
		Environment:        getEnv("PERMITD_ENVIRONMENT", ""),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database max open connections must be positive")
	}

	if c.Redis.URL != "" && c.Redis.Channel == "" {
		return fmt.Errorf("redis channel is required when redis is configured")
	}

	if c.Cache.Size < 0 {
		return fmt.Errorf("cache size must not be negative")
	}

	if c.Audit.QueueSize < 1 || c.Audit.Workers < 1 {
		return fmt.Errorf("audit queue size and workers must be positive")
	}
	if c.Audit.MaxRetries < 0 {
		return fmt.Errorf("audit max retries must not be negative")
	}
	if c.Audit.DeadLetterDir == "" {
		return fmt.Errorf("audit dead-letter directory is required")
	}
	if c.Audit.ReplaySchedule != "" {
		if _, err := cron.ParseStandard(c.Audit.ReplaySchedule); err != nil {
			return fmt.Errorf("invalid audit replay schedule %q: %w", c.Audit.ReplaySchedule, err)
		}
	}

	if c.Audit.Archive.Bucket != "" {
		if c.Audit.Archive.Period <= 0 {
			return fmt.Errorf("audit archive period must be positive")
		}
		if _, err := cron.ParseStandard(c.Audit.Archive.Schedule); err != nil {
			return fmt.Errorf("invalid audit archive schedule %q: %w", c.Audit.Archive.Schedule, err)
		}
	}

	if c.Commit.MaxAttempts < 1 {
		return fmt.Errorf("commit max attempts must be at least 1")
	}
	if c.Commit.Concurrency < 1 {
		return fmt.Errorf("commit concurrency must be at least 1")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute < 1 || c.RateLimit.AnonymousPerMinute < 1) {
		return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit burst must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
