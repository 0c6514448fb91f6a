package rbac

import (
	"fmt"
	"strconv"
	"time"
)

// Role is a user's position in the authority hierarchy
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

// Authority returns the ordinal authority of a role. Unknown roles have no
// authority. All role comparisons in the engine go through this function.
func Authority(role Role) int {
	switch role {
	case RoleUser:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	default:
		return 0
	}
}

// Authority returns the role's ordinal authority
func (r Role) Authority() int {
	return Authority(r)
}

// Valid reports whether the role is one of the known roles
func (r Role) Valid() bool {
	return Authority(r) > 0
}

// ParseRole converts a string into a known role
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if !role.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return role, nil
}

// AllRoles returns every role from lowest to highest authority
func AllRoles() []Role {
	return []Role{RoleUser, RoleAdmin, RoleSuperAdmin}
}

// Tier is the sensitivity classification of a permission or module
type Tier string

const (
	TierCore  Tier = "core"
	TierAddOn Tier = "add-on"
	TierSuper Tier = "super"
)

// Valid reports whether the tier is known
func (t Tier) Valid() bool {
	switch t {
	case TierCore, TierAddOn, TierSuper:
		return true
	}
	return false
}

// Company is the tenant boundary
type Company struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	SubscriptionTier string    `json:"subscription_tier"`
	CreatedAt        time.Time `json:"created_at"`
}

// User is an account whose access is governed by the engine
type User struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	Role          Role      `json:"role"`
	CompanyID     *int64    `json:"company_id,omitempty"` // nil only for super-admin
	IsActive      bool      `json:"is_active"`
	AccessVersion int64     `json:"access_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SameCompany reports whether both users belong to the same, non-nil company
func (u User) SameCompany(companyID *int64) bool {
	return u.CompanyID != nil && companyID != nil && *u.CompanyID == *companyID
}

// PermissionOverride is an explicit per-user grant or revocation of a permission key
type PermissionOverride struct {
	UserID        int64     `json:"user_id"`
	PermissionKey string    `json:"permission_key"`
	IsGranted     bool      `json:"is_granted"`
	GrantedBy     *int64    `json:"granted_by,omitempty"`
	GrantedAt     time.Time `json:"granted_at"`
}

// CompanyModuleGrant is the company-level gate for a module
type CompanyModuleGrant struct {
	CompanyID int64     `json:"company_id"`
	ModuleID  string    `json:"module_id"`
	IsEnabled bool      `json:"is_enabled"`
	UpdatedBy *int64    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserModuleGrant enables or disables a module for a single user
type UserModuleGrant struct {
	UserID    int64     `json:"user_id"`
	ModuleID  string    `json:"module_id"`
	IsEnabled bool      `json:"is_enabled"`
	GrantedBy *int64    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// ChangeType identifies the kind of access change
type ChangeType string

const (
	ChangeGrantPermission  ChangeType = "grant_permission"
	ChangeRevokePermission ChangeType = "revoke_permission"
	ChangeEnableModule     ChangeType = "enable_module"
	ChangeDisableModule    ChangeType = "disable_module"
	ChangeRole             ChangeType = "change_role"
	ChangeCompany          ChangeType = "change_company"
)

// Change is a single proposed change to a target user's access
type Change struct {
	Type      ChangeType `json:"type"`
	Key       string     `json:"key,omitempty"`        // permission key or module id
	Role      Role       `json:"role,omitempty"`       // ChangeRole only
	CompanyID *int64     `json:"company_id,omitempty"` // ChangeCompany only
}

// GrantPermission builds a permission grant
func GrantPermission(key string) Change {
	return Change{Type: ChangeGrantPermission, Key: key}
}

// RevokePermission builds a permission revocation
func RevokePermission(key string) Change {
	return Change{Type: ChangeRevokePermission, Key: key}
}

// EnableModule builds a module enablement
func EnableModule(moduleID string) Change {
	return Change{Type: ChangeEnableModule, Key: moduleID}
}

// DisableModule builds a module disablement
func DisableModule(moduleID string) Change {
	return Change{Type: ChangeDisableModule, Key: moduleID}
}

// SetRole builds a role change
func SetRole(role Role) Change {
	return Change{Type: ChangeRole, Role: role}
}

// MoveToCompany builds a company change. A nil company is only valid for super-admins.
func MoveToCompany(companyID *int64) Change {
	return Change{Type: ChangeCompany, CompanyID: companyID}
}

// IsPermission reports whether the change targets a permission key
func (c Change) IsPermission() bool {
	return c.Type == ChangeGrantPermission || c.Type == ChangeRevokePermission
}

// IsModule reports whether the change targets a module
func (c Change) IsModule() bool {
	return c.Type == ChangeEnableModule || c.Type == ChangeDisableModule
}

// Subject names the piece of access the change writes. Grant and revoke of the
// same key share a subject, as do enable and disable of the same module.
func (c Change) Subject() string {
	switch {
	case c.IsPermission():
		return "permission:" + c.Key
	case c.IsModule():
		return "module:" + c.Key
	case c.Type == ChangeRole:
		return "role"
	case c.Type == ChangeCompany:
		return "company"
	}
	return string(c.Type)
}

// Desired returns the value the change sets, in the same encoding as CurrentValue
func (c Change) Desired() string {
	switch c.Type {
	case ChangeGrantPermission, ChangeEnableModule:
		return "true"
	case ChangeRevokePermission, ChangeDisableModule:
		return "false"
	case ChangeRole:
		return string(c.Role)
	case ChangeCompany:
		return formatCompanyID(c.CompanyID)
	}
	return ""
}

// String returns a readable form used in logs and audit messages
func (c Change) String() string {
	switch c.Type {
	case ChangeRole:
		return fmt.Sprintf("%s(%s)", c.Type, c.Role)
	case ChangeCompany:
		return fmt.Sprintf("%s(%s)", c.Type, formatCompanyID(c.CompanyID))
	}
	return fmt.Sprintf("%s(%s)", c.Type, c.Key)
}

// PendingChange is a change staged against a target user together with the
// value the proposer observed when staging it.
type PendingChange struct {
	TargetUserID int64  `json:"target_user_id"`
	Change       Change `json:"change"`
	Baseline     string `json:"baseline"`
}

func formatCompanyID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

// CompanyKey renders a nullable company id for logs and audit payloads
func CompanyKey(id *int64) string {
	return formatCompanyID(id)
}

// Int64Ptr returns a pointer to v
func Int64Ptr(v int64) *int64 {
	return &v
}
