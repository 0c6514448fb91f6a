package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence collaborator of the engine
type Store interface {
	SnapshotLoader

	GetUser(ctx context.Context, userID int64) (*User, error)
	GetCompany(ctx context.Context, companyID int64) (*Company, error)
	CreateCompany(ctx context.Context, company *Company) error
	CreateUser(ctx context.Context, user *User) error
	SetUserActive(ctx context.Context, userID int64, active bool) error

	// ApplyUserChanges writes changes for one user atomically. It fails with
	// ErrConcurrentModification if the user's access version is no longer
	// expectedVersion, and returns the new version on success.
	ApplyUserChanges(ctx context.Context, userID, expectedVersion, actorID int64, changes []Change) (int64, error)

	SetCompanyModule(ctx context.Context, grant *CompanyModuleGrant) error
	ListCompanyModules(ctx context.Context, companyID int64) ([]CompanyModuleGrant, error)
}

// SQLStore implements Store on database/sql. Queries use $N placeholders and
// upserts, which both Postgres and SQLite accept. SQLite binds $N by order of
// first appearance, so placeholders are always numbered in that order.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a new store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying handle
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// CreateCompany inserts a company
func (s *SQLStore) CreateCompany(ctx context.Context, company *Company) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO companies (name, subscription_tier, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, company.Name, company.SubscriptionTier, now).Scan(&company.ID)
	if err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}
	company.CreatedAt = now
	return nil
}

// GetCompany retrieves a company by ID
func (s *SQLStore) GetCompany(ctx context.Context, companyID int64) (*Company, error) {
	var c Company
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subscription_tier, created_at
		FROM companies
		WHERE id = $1
	`, companyID).Scan(&c.ID, &c.Name, &c.SubscriptionTier, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(KindNotFound, fmt.Sprintf("company %d", companyID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &c, nil
}

// CreateUser inserts a user
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if !user.Role.Valid() {
		return fmt.Errorf("unknown role: %q", user.Role)
	}
	if user.CompanyID == nil && user.Role != RoleSuperAdmin {
		return fmt.Errorf("user with role %s requires a company", user.Role)
	}

	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, role, company_id, is_active, access_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		RETURNING id
	`, user.Email, string(user.Role), user.CompanyID, user.IsActive, now).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.AccessVersion = 0
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, company_id, is_active, access_version, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(KindNotFound, fmt.Sprintf("user %d", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// SetUserActive activates or deactivates a user. Users are never hard-deleted.
func (s *SQLStore) SetUserActive(ctx context.Context, userID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = $1, access_version = access_version + 1, updated_at = $2
		WHERE id = $3
	`, active, s.now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewError(KindNotFound, fmt.Sprintf("user %d", userID))
	}
	return nil
}

// LoadSnapshot reads a user and every access row that applies to them. The
// user row is read first, so a concurrent write can only make the version
// look older than the rows, never newer.
func (s *SQLStore) LoadSnapshot(ctx context.Context, userID int64) (*AccessSnapshot, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := &AccessSnapshot{
		User:           *user,
		Overrides:      make(map[string]PermissionOverride),
		UserModules:    make(map[string]UserModuleGrant),
		CompanyModules: make(map[string]CompanyModuleGrant),
		LoadedAt:       s.now(),
	}

	if err := s.loadOverrides(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadUserModules(ctx, snap); err != nil {
		return nil, err
	}
	if user.CompanyID != nil {
		grants, err := s.ListCompanyModules(ctx, *user.CompanyID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			snap.CompanyModules[g.ModuleID] = g
		}
	}
	return snap, nil
}

func (s *SQLStore) loadOverrides(ctx context.Context, snap *AccessSnapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, permission_key, is_granted, granted_by, granted_at
		FROM user_permission_overrides
		WHERE user_id = $1
	`, snap.User.ID)
	if err != nil {
		return fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o PermissionOverride
		var grantedBy sql.NullInt64
		if err := rows.Scan(&o.UserID, &o.PermissionKey, &o.IsGranted, &grantedBy, &o.GrantedAt); err != nil {
			return fmt.Errorf("failed to scan override: %w", err)
		}
		o.GrantedBy = nullInt64Ptr(grantedBy)
		snap.Overrides[o.PermissionKey] = o
	}
	return rows.Err()
}

func (s *SQLStore) loadUserModules(ctx context.Context, snap *AccessSnapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, module_id, is_enabled, granted_by, granted_at
		FROM user_module_grants
		WHERE user_id = $1
	`, snap.User.ID)
	if err != nil {
		return fmt.Errorf("failed to query user modules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g UserModuleGrant
		var grantedBy sql.NullInt64
		if err := rows.Scan(&g.UserID, &g.ModuleID, &g.IsEnabled, &grantedBy, &g.GrantedAt); err != nil {
			return fmt.Errorf("failed to scan user module: %w", err)
		}
		g.GrantedBy = nullInt64Ptr(grantedBy)
		snap.UserModules[g.ModuleID] = g
	}
	return rows.Err()
}

// ListCompanyModules returns the company's module gates
func (s *SQLStore) ListCompanyModules(ctx context.Context, companyID int64) ([]CompanyModuleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id, module_id, is_enabled, updated_by, updated_at
		FROM company_module_grants
		WHERE company_id = $1
		ORDER BY module_id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query company modules: %w", err)
	}
	defer rows.Close()

	var grants []CompanyModuleGrant
	for rows.Next() {
		var g CompanyModuleGrant
		var updatedBy sql.NullInt64
		if err := rows.Scan(&g.CompanyID, &g.ModuleID, &g.IsEnabled, &updatedBy, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan company module: %w", err)
		}
		g.UpdatedBy = nullInt64Ptr(updatedBy)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// SetCompanyModule opens or closes a company's gate for a module
func (s *SQLStore) SetCompanyModule(ctx context.Context, grant *CompanyModuleGrant) error {
	grant.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO company_module_grants (company_id, module_id, is_enabled, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (company_id, module_id)
		DO UPDATE SET is_enabled = EXCLUDED.is_enabled, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
	`, grant.CompanyID, grant.ModuleID, grant.IsEnabled, grant.UpdatedBy, grant.UpdatedAt)
	if err != nil {
		return WrapError(KindPersistenceFailure, fmt.Errorf("failed to set company module: %w", err))
	}
	return nil
}

// ApplyUserChanges writes a user's changes in one transaction guarded by the
// user's access version.
func (s *SQLStore) ApplyUserChanges(ctx context.Context, userID, expectedVersion, actorID int64, changes []Change) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, WrapError(KindPersistenceFailure, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET access_version = access_version + 1, updated_at = $1
		WHERE id = $2 AND access_version = $3
	`, now, userID, expectedVersion)
	if err != nil {
		return 0, WrapError(KindPersistenceFailure, fmt.Errorf("failed to lock user %d: %w", userID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, WrapError(KindPersistenceFailure, fmt.Errorf("failed to read rows affected: %w", err))
	}
	if n == 0 {
		return 0, NewError(KindConcurrentModification, fmt.Sprintf("user %d is no longer at version %d", userID, expectedVersion))
	}

	for _, c := range changes {
		if err := applyChange(ctx, tx, userID, actorID, c, now); err != nil {
			return 0, WrapError(KindPersistenceFailure, fmt.Errorf("failed to apply %s: %w", c, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, WrapError(KindPersistenceFailure, fmt.Errorf("failed to commit: %w", err))
	}
	return expectedVersion + 1, nil
}

func applyChange(ctx context.Context, tx *sql.Tx, userID, actorID int64, c Change, now time.Time) error {
	switch c.Type {
	case ChangeGrantPermission, ChangeRevokePermission:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_permission_overrides (user_id, permission_key, is_granted, granted_by, granted_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, permission_key)
			DO UPDATE SET is_granted = EXCLUDED.is_granted, granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at
		`, userID, c.Key, c.Type == ChangeGrantPermission, actorID, now)
		return err

	case ChangeEnableModule, ChangeDisableModule:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_module_grants (user_id, module_id, is_enabled, granted_by, granted_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, module_id)
			DO UPDATE SET is_enabled = EXCLUDED.is_enabled, granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at
		`, userID, c.Key, c.Type == ChangeEnableModule, actorID, now)
		return err

	case ChangeRole:
		_, err := tx.ExecContext(ctx, `UPDATE users SET role = $1 WHERE id = $2`, string(c.Role), userID)
		return err

	case ChangeCompany:
		if _, err := tx.ExecContext(ctx, `UPDATE users SET company_id = $1 WHERE id = $2`, c.CompanyID, userID); err != nil {
			return err
		}
		// Grants never follow a user across tenants.
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_permission_overrides WHERE user_id = $1`, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM user_module_grants WHERE user_id = $1`, userID)
		return err
	}
	return fmt.Errorf("unsupported change type: %s", c.Type)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role string
	var companyID sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &role, &companyID, &u.IsActive, &u.AccessVersion, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.CompanyID = nullInt64Ptr(companyID)
	return &u, nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
