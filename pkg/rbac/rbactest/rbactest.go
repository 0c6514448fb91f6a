// Package rbactest provides database fixtures for tests that exercise the
// access engine against a real SQL store.
package rbactest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

// SQLiteSchema mirrors the Postgres migrations for an in-memory SQLite database
const SQLiteSchema = `
	CREATE TABLE companies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		subscription_tier TEXT NOT NULL DEFAULT 'standard',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		company_id INTEGER REFERENCES companies(id),
		is_active BOOLEAN NOT NULL DEFAULT 1,
		access_version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE user_permission_overrides (
		user_id INTEGER NOT NULL,
		permission_key TEXT NOT NULL,
		is_granted BOOLEAN NOT NULL,
		granted_by INTEGER,
		granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, permission_key)
	);

	CREATE TABLE company_module_grants (
		company_id INTEGER NOT NULL,
		module_id TEXT NOT NULL,
		is_enabled BOOLEAN NOT NULL,
		updated_by INTEGER,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (company_id, module_id)
	);

	CREATE TABLE user_module_grants (
		user_id INTEGER NOT NULL,
		module_id TEXT NOT NULL,
		is_enabled BOOLEAN NOT NULL,
		granted_by INTEGER,
		granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, module_id)
	);

	CREATE TABLE permission_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		target_role TEXT NOT NULL,
		permissions TEXT NOT NULL,
		modules TEXT NOT NULL,
		company_id INTEGER NOT NULL,
		author_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (company_id, name)
	);
`

// OpenDB returns an in-memory SQLite database with the schema applied. The
// pool is pinned to one connection so every query sees the same database.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(SQLiteSchema)
	require.NoError(t, err, "failed to create schema")

	t.Cleanup(func() { db.Close() })
	return db
}

var emailSeq atomic.Int64

// Fixture seeds companies and users through a store
type Fixture struct {
	t     testing.TB
	Store *rbac.SQLStore
}

// NewFixture opens a fresh database and wraps it in a store
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	return &Fixture{t: t, Store: rbac.NewSQLStore(OpenDB(t))}
}

// Company creates a company with the given modules enabled at the gate
func (f *Fixture) Company(name string, modules ...string) *rbac.Company {
	f.t.Helper()
	c := &rbac.Company{Name: name, SubscriptionTier: "standard"}
	require.NoError(f.t, f.Store.CreateCompany(context.Background(), c))
	for _, m := range modules {
		f.Gate(c.ID, m, true)
	}
	return c
}

// Gate sets a company's module gate
func (f *Fixture) Gate(companyID int64, moduleID string, enabled bool) {
	f.t.Helper()
	require.NoError(f.t, f.Store.SetCompanyModule(context.Background(), &rbac.CompanyModuleGrant{
		CompanyID: companyID,
		ModuleID:  moduleID,
		IsEnabled: enabled,
	}))
}

// User creates an active user. companyID may be nil for super-admins.
func (f *Fixture) User(role rbac.Role, companyID *int64) *rbac.User {
	f.t.Helper()
	u := &rbac.User{
		Email:     fmt.Sprintf("user%d@example.com", emailSeq.Add(1)),
		Role:      role,
		CompanyID: companyID,
		IsActive:  true,
	}
	require.NoError(f.t, f.Store.CreateUser(context.Background(), u))
	return u
}

// Reload returns the user's current row
func (f *Fixture) Reload(userID int64) *rbac.User {
	f.t.Helper()
	u, err := f.Store.GetUser(context.Background(), userID)
	require.NoError(f.t, err)
	return u
}

// Apply writes changes directly at the user's current version
func (f *Fixture) Apply(userID, actorID int64, changes ...rbac.Change) {
	f.t.Helper()
	u := f.Reload(userID)
	_, err := f.Store.ApplyUserChanges(context.Background(), userID, u.AccessVersion, actorID, changes)
	require.NoError(f.t, err)
}

// SkipIfNoDatabase skips the test unless TEST_POSTGRES_PRIMARY is set and
// returns its value
func SkipIfNoDatabase(t testing.TB) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_PRIMARY")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_PRIMARY environment variable not set (database not available)")
	}
	return dbURL
}
