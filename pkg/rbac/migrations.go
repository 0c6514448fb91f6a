package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the Postgres schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create companies and users tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS companies (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					subscription_tier VARCHAR(50) NOT NULL DEFAULT 'standard',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(255) NOT NULL UNIQUE,
					role VARCHAR(20) NOT NULL CHECK (role IN ('user', 'admin', 'super-admin')),
					company_id BIGINT REFERENCES companies(id),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					access_version BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (company_id IS NOT NULL OR role = 'super-admin')
				);

				CREATE INDEX IF NOT EXISTS idx_users_company ON users(company_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permission override and module grant tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_permission_overrides (
					user_id BIGINT NOT NULL REFERENCES users(id),
					permission_key VARCHAR(255) NOT NULL,
					is_granted BOOLEAN NOT NULL,
					granted_by BIGINT REFERENCES users(id),
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, permission_key)
				);

				CREATE TABLE IF NOT EXISTS company_module_grants (
					company_id BIGINT NOT NULL REFERENCES companies(id),
					module_id VARCHAR(100) NOT NULL,
					is_enabled BOOLEAN NOT NULL,
					updated_by BIGINT REFERENCES users(id),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (company_id, module_id)
				);

				CREATE TABLE IF NOT EXISTS user_module_grants (
					user_id BIGINT NOT NULL REFERENCES users(id),
					module_id VARCHAR(100) NOT NULL,
					is_enabled BOOLEAN NOT NULL,
					granted_by BIGINT REFERENCES users(id),
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, module_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create permission templates table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_templates (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					target_role VARCHAR(20) NOT NULL,
					permissions TEXT NOT NULL,
					modules TEXT NOT NULL,
					company_id BIGINT NOT NULL REFERENCES companies(id),
					author_id BIGINT NOT NULL REFERENCES users(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (company_id, name)
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permitd_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM permitd_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range GetMigrations() {
		if applied[m.Version] {
			continue
		}

		log.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permitd_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
