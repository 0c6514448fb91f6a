package templates

import (
	"errors"
	"time"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

// Template id prefixes
const (
	SystemPrefix = "system:"
	CustomPrefix = "tpl_"
)

var (
	// ErrSystemTemplate is returned when a caller tries to mutate a built-in template
	ErrSystemTemplate = errors.New("templates.system_template")
	// ErrNotFound is returned for unknown template ids
	ErrNotFound = errors.New("templates.not_found")
	// ErrDuplicateName is returned when a company already has a template with the name
	ErrDuplicateName = errors.New("templates.duplicate_name")
)

// Template is a named bundle of permissions to grant and modules to enable.
// System templates are built in and immutable; custom templates belong to a
// company and may be changed by their author or a super-admin.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TargetRole  rbac.Role `json:"target_role"`
	Permissions []string  `json:"permissions"`
	Modules     []string  `json:"modules"`
	CompanyID   *int64    `json:"company_id,omitempty"`
	AuthorID    *int64    `json:"author_id,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Changes expands the template into the access changes it stands for
func (t *Template) Changes() []rbac.Change {
	out := make([]rbac.Change, 0, len(t.Permissions)+len(t.Modules))
	for _, key := range t.Permissions {
		out = append(out, rbac.GrantPermission(key))
	}
	for _, id := range t.Modules {
		out = append(out, rbac.EnableModule(id))
	}
	return out
}

// auditView is the subset of a template recorded in audit change details
func (t *Template) auditView() map[string]interface{} {
	return map[string]interface{}{
		"name":        t.Name,
		"description": t.Description,
		"target_role": string(t.TargetRole),
		"permissions": t.Permissions,
		"modules":     t.Modules,
	}
}

// Input carries the caller-editable fields of a custom template
type Input struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TargetRole  rbac.Role `json:"target_role"`
	Permissions []string  `json:"permissions"`
	Modules     []string  `json:"modules"`
	// CompanyID is honored for super-admins only; admins always create
	// templates in their own company.
	CompanyID *int64 `json:"company_id,omitempty"`
}
