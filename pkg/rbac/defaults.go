package rbac

import (
	"fmt"
	"sort"
)

// RoleDefaultSet is the fallback access for one role
type RoleDefaultSet struct {
	Permissions []string `json:"permissions" yaml:"permissions"`
	Modules     []string `json:"modules" yaml:"modules"`
}

// RoleDefaults maps roles to their fallback permission set and default module
// visibility. Read-only after construction.
type RoleDefaults struct {
	permissions map[Role]map[string]bool
	modules     map[Role][]string
}

// NewRoleDefaults validates sets against the catalog. Roles below super-admin
// may not default to super-tier permissions or modules.
func NewRoleDefaults(catalog *Catalog, sets map[Role]RoleDefaultSet) (*RoleDefaults, error) {
	d := &RoleDefaults{
		permissions: make(map[Role]map[string]bool, len(sets)),
		modules:     make(map[Role][]string, len(sets)),
	}

	for role, set := range sets {
		if !role.Valid() {
			return nil, fmt.Errorf("unknown role: %q", role)
		}

		perms := make(map[string]bool, len(set.Permissions))
		for _, key := range set.Permissions {
			if _, ok := catalog.Permission(key); !ok {
				return nil, fmt.Errorf("role %s: unknown permission %s", role, key)
			}
			if role != RoleSuperAdmin && catalog.IsSuperPermission(key) {
				return nil, fmt.Errorf("role %s: super-tier permission %s not allowed", role, key)
			}
			perms[key] = true
		}

		mods := make([]string, 0, len(set.Modules))
		for _, id := range set.Modules {
			if _, ok := catalog.Module(id); !ok {
				return nil, fmt.Errorf("role %s: unknown module %s", role, id)
			}
			if role != RoleSuperAdmin && catalog.IsSuperModule(id) {
				return nil, fmt.Errorf("role %s: super-tier module %s not allowed", role, id)
			}
			mods = append(mods, id)
		}
		sort.Strings(mods)

		d.permissions[role] = perms
		d.modules[role] = mods
	}

	return d, nil
}

// DefaultRoleSets returns the built-in fallback sets for a catalog
func DefaultRoleSets(catalog *Catalog) map[Role]RoleDefaultSet {
	var adminPerms, allPerms []string
	for _, p := range catalog.Permissions() {
		allPerms = append(allPerms, p.Key)
		if p.Tier != TierSuper {
			adminPerms = append(adminPerms, p.Key)
		}
	}

	var allModules []string
	for _, m := range catalog.Modules() {
		allModules = append(allModules, m.ID)
	}
	required := catalog.RequiredModules()

	return map[Role]RoleDefaultSet{
		RoleUser: {
			Permissions: []string{PermDashboardView, PermExpensesView, PermExpensesCreate, PermVendorsView},
			Modules:     required,
		},
		RoleAdmin: {
			Permissions: adminPerms,
			Modules:     append(append([]string(nil), required...), ModuleVendors, ModuleReports),
		},
		RoleSuperAdmin: {
			Permissions: allPerms,
			Modules:     allModules,
		},
	}
}

// DefaultRoleDefaults returns the built-in defaults for a catalog
func DefaultRoleDefaults(catalog *Catalog) *RoleDefaults {
	d, err := NewRoleDefaults(catalog, DefaultRoleSets(catalog))
	if err != nil {
		panic(fmt.Sprintf("built-in role defaults are invalid: %v", err))
	}
	return d
}

// WithOverrides returns defaults where each role in overrides replaces the
// corresponding built-in set
func (d *RoleDefaults) WithOverrides(catalog *Catalog, overrides map[Role]RoleDefaultSet) (*RoleDefaults, error) {
	if len(overrides) == 0 {
		return d, nil
	}
	sets := make(map[Role]RoleDefaultSet, len(d.permissions))
	for _, role := range AllRoles() {
		sets[role] = RoleDefaultSet{Permissions: d.Permissions(role), Modules: d.Modules(role)}
	}
	for role, set := range overrides {
		sets[role] = set
	}
	return NewRoleDefaults(catalog, sets)
}

// Permission returns the fallback value of key for role
func (d *RoleDefaults) Permission(role Role, key string) bool {
	return d.permissions[role][key]
}

// Permissions returns the sorted fallback permission keys for role
func (d *RoleDefaults) Permissions(role Role) []string {
	out := make([]string, 0, len(d.permissions[role]))
	for key := range d.permissions[role] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Modules returns the sorted default module ids for role
func (d *RoleDefaults) Modules(role Role) []string {
	return append([]string(nil), d.modules[role]...)
}
