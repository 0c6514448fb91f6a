package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

// Store persists custom templates. System templates are never stored.
type Store interface {
	Create(ctx context.Context, tpl *Template) error
	Get(ctx context.Context, id string) (*Template, error)
	// List returns the custom templates of a company, or of every company
	// when companyID is nil
	List(ctx context.Context, companyID *int64) ([]*Template, error)
	Update(ctx context.Context, tpl *Template) error
	Delete(ctx context.Context, id string) error
}

// SQLStore implements Store on the permission_templates table. Permission and
// module lists are stored as JSON text.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a new template store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const templateColumns = `id, name, description, target_role, permissions, modules, company_id, author_id, created_at, updated_at`

// Create inserts a custom template
func (s *SQLStore) Create(ctx context.Context, tpl *Template) error {
	if tpl.CompanyID == nil || tpl.AuthorID == nil {
		return fmt.Errorf("custom template %s requires a company and an author", tpl.ID)
	}
	if err := s.checkName(ctx, tpl); err != nil {
		return err
	}
	perms, modules, err := encodeLists(tpl)
	if err != nil {
		return err
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, tpl.ID, tpl.Name, tpl.Description, string(tpl.TargetRole), perms, modules, *tpl.CompanyID, *tpl.AuthorID, now)
	if err != nil {
		return classify(err, "create")
	}
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	return nil
}

// Get retrieves a custom template by ID
func (s *SQLStore) Get(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM permission_templates
		WHERE id = $1
	`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tpl, nil
}

// List returns custom templates ordered by name
func (s *SQLStore) List(ctx context.Context, companyID *int64) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM permission_templates`
	var args []interface{}
	if companyID != nil {
		query += ` WHERE company_id = $1`
		args = append(args, *companyID)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// Update replaces the editable fields of a custom template
func (s *SQLStore) Update(ctx context.Context, tpl *Template) error {
	if err := s.checkName(ctx, tpl); err != nil {
		return err
	}
	perms, modules, err := encodeLists(tpl)
	if err != nil {
		return err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_templates
		SET name = $1, description = $2, target_role = $3, permissions = $4, modules = $5, updated_at = $6
		WHERE id = $7
	`, tpl.Name, tpl.Description, string(tpl.TargetRole), perms, modules, now, tpl.ID)
	if err != nil {
		return classify(err, "update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tpl.ID)
	}
	tpl.UpdatedAt = now
	return nil
}

// Delete removes a custom template
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permission_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// checkName rejects a name already used by another template of the company
func (s *SQLStore) checkName(ctx context.Context, tpl *Template) error {
	if tpl.CompanyID == nil {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM permission_templates
		WHERE company_id = $1 AND name = $2 AND id <> $3
	`, *tpl.CompanyID, tpl.Name, tpl.ID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("failed to check template name: %w", err)
	}
	return fmt.Errorf("%w: %q", ErrDuplicateName, tpl.Name)
}

func classify(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateName, pqErr.Detail)
	}
	return fmt.Errorf("failed to %s template: %w", op, err)
}

func encodeLists(tpl *Template) (string, string, error) {
	perms, err := json.Marshal(nonNil(tpl.Permissions))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal permissions: %w", err)
	}
	modules, err := json.Marshal(nonNil(tpl.Modules))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal modules: %w", err)
	}
	return string(perms), string(modules), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var (
		tpl            Template
		role           string
		perms, modules string
		companyID      int64
		authorID       int64
	)
	err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &role, &perms, &modules,
		&companyID, &authorID, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &tpl.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions of %s: %w", tpl.ID, err)
	}
	if err := json.Unmarshal([]byte(modules), &tpl.Modules); err != nil {
		return nil, fmt.Errorf("failed to decode modules of %s: %w", tpl.ID, err)
	}
	tpl.TargetRole = rbac.Role(role)
	tpl.CompanyID = &companyID
	tpl.AuthorID = &authorID
	return &tpl, nil
}
