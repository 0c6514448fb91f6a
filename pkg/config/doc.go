// Package config loads permitd configuration from PERMITD_* environment
// variables with defaults for everything but the database URL.
//
// Server:
//
//	PERMITD_HOST="0.0.0.0"
//	PERMITD_PORT="8080"
//	PERMITD_HEALTH_PORT="9090"
//
// Storage and invalidation:
//
//	PERMITD_DATABASE_URL="postgres://localhost/permitd?sslmode=disable"
//	PERMITD_REDIS_URL="redis://localhost:6379/0"   # empty disables cross-instance invalidation
//	PERMITD_CACHE_SIZE="10000"                     # 0 disables the snapshot cache
//	PERMITD_CACHE_TTL="5m"
//
// Audit and commits:
//
//	PERMITD_AUDIT_DEAD_LETTER_DIR="/var/lib/permitd/dead-letter"
//	PERMITD_AUDIT_REPLAY_SCHEDULE="@every 5m"     # cron spec
//	PERMITD_COMMIT_MAX_ATTEMPTS="3"
//	PERMITD_COMMIT_CONCURRENCY="8"
//
// Archive (disabled unless a bucket is set):
//
//	PERMITD_AUDIT_ARCHIVE_BUCKET="permitd-audit"
//	PERMITD_AUDIT_ARCHIVE_ENDPOINT="http://minio:9000"   # S3 compatible stores
//	PERMITD_AUDIT_ARCHIVE_SCHEDULE="5 * * * *"
//	PERMITD_AUDIT_ARCHIVE_PERIOD="1h"
//
// Rate limiting:
//
//	PERMITD_RATE_LIMIT_PER_MINUTE="300"            # per actor
//	PERMITD_RATE_LIMIT_ANONYMOUS_PER_MINUTE="600"  # per client IP
//	PERMITD_RATE_LIMIT_FAIL_OPEN="true"
//
// Catalog extensions are read from PERMITD_CATALOG_FILE when set.
//
// LoadConfig validates the result and fails fast on a bad value.
package config
