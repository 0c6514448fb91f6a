package rbac

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PermissionDefinition describes a permission key known to the engine
type PermissionDefinition struct {
	Key         string `json:"key" yaml:"key"`
	Name        string `json:"name" yaml:"name"`
	Category    string `json:"category" yaml:"category"`
	Tier        Tier   `json:"tier" yaml:"tier"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Deprecated  bool   `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
}

// ModuleDefinition describes a system module
type ModuleDefinition struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Category       string   `json:"category" yaml:"category"`
	Tier           Tier     `json:"tier" yaml:"tier"`
	IsCoreRequired bool     `json:"is_core_required" yaml:"core_required"`
	Dependencies   []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Deprecated     bool     `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
}

// Catalog is the registry of permission keys and modules. It is immutable once
// built and safe to share between goroutines.
type Catalog struct {
	permissions map[string]PermissionDefinition
	modules     map[string]ModuleDefinition
	permOrder   []string
	moduleOrder []string
}

// NewCatalog builds a catalog and checks it for duplicate entries, unknown
// tiers and dangling module dependencies.
func NewCatalog(permissions []PermissionDefinition, modules []ModuleDefinition) (*Catalog, error) {
	c := &Catalog{
		permissions: make(map[string]PermissionDefinition, len(permissions)),
		modules:     make(map[string]ModuleDefinition, len(modules)),
	}

	for _, p := range permissions {
		if p.Key == "" {
			return nil, fmt.Errorf("permission key is required")
		}
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("permission %s has invalid tier %q", p.Key, p.Tier)
		}
		if _, exists := c.permissions[p.Key]; exists {
			return nil, fmt.Errorf("duplicate permission key: %s", p.Key)
		}
		c.permissions[p.Key] = p
		c.permOrder = append(c.permOrder, p.Key)
	}

	for _, m := range modules {
		if m.ID == "" {
			return nil, fmt.Errorf("module id is required")
		}
		if !m.Tier.Valid() {
			return nil, fmt.Errorf("module %s has invalid tier %q", m.ID, m.Tier)
		}
		if _, exists := c.modules[m.ID]; exists {
			return nil, fmt.Errorf("duplicate module id: %s", m.ID)
		}
		m.Dependencies = append([]string(nil), m.Dependencies...)
		c.modules[m.ID] = m
		c.moduleOrder = append(c.moduleOrder, m.ID)
	}

	for _, m := range c.modules {
		for _, dep := range m.Dependencies {
			if dep == m.ID {
				return nil, fmt.Errorf("module %s depends on itself", m.ID)
			}
			if _, ok := c.modules[dep]; !ok {
				return nil, fmt.Errorf("module %s depends on unknown module %s", m.ID, dep)
			}
		}
	}

	return c, nil
}

// Permission looks up a permission definition
func (c *Catalog) Permission(key string) (PermissionDefinition, bool) {
	p, ok := c.permissions[key]
	return p, ok
}

// Module looks up a module definition
func (c *Catalog) Module(id string) (ModuleDefinition, bool) {
	m, ok := c.modules[id]
	return m, ok
}

// Permissions returns every permission in registration order
func (c *Catalog) Permissions() []PermissionDefinition {
	out := make([]PermissionDefinition, 0, len(c.permOrder))
	for _, key := range c.permOrder {
		out = append(out, c.permissions[key])
	}
	return out
}

// Modules returns every module in registration order
func (c *Catalog) Modules() []ModuleDefinition {
	out := make([]ModuleDefinition, 0, len(c.moduleOrder))
	for _, id := range c.moduleOrder {
		m := c.modules[id]
		m.Dependencies = append([]string(nil), m.Dependencies...)
		out = append(out, m)
	}
	return out
}

// RequiredModules returns the ids of all core-required modules
func (c *Catalog) RequiredModules() []string {
	var out []string
	for _, id := range c.moduleOrder {
		if c.modules[id].IsCoreRequired {
			out = append(out, id)
		}
	}
	return out
}

// IsSuperPermission reports whether key is a super-tier permission
func (c *Catalog) IsSuperPermission(key string) bool {
	p, ok := c.permissions[key]
	return ok && p.Tier == TierSuper
}

// IsSuperModule reports whether id is a super-tier module
func (c *Catalog) IsSuperModule(id string) bool {
	m, ok := c.modules[id]
	return ok && m.Tier == TierSuper
}

// Dependents returns the modules that list id as a dependency, sorted
func (c *Catalog) Dependents(id string) []string {
	var out []string
	for _, m := range c.modules {
		for _, dep := range m.Dependencies {
			if dep == id {
				out = append(out, m.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Built-in permission keys referenced from code
const (
	PermDashboardView        = "dashboard.view"
	PermExpensesView         = "expenses.view"
	PermExpensesCreate       = "expenses.create"
	PermExpensesEdit         = "expenses.edit"
	PermExpensesApprove      = "expenses.approve"
	PermExpensesExport       = "expenses.export"
	PermVendorsView          = "vendors.view"
	PermVendorsManage        = "vendors.manage"
	PermReportsView          = "reports.view"
	PermReportsExport        = "reports.export"
	PermUsersView            = "users.view"
	PermUsersManage          = "users.manage"
	PermCompanySettings      = "company.settings"
	PermAuditView            = "audit.view"
	PermBillingSuperOverride = "billing.super_override"
	PermCompaniesManage      = "companies.manage"
	PermSystemSettings       = "system.settings"
)

// Built-in module ids
const (
	ModuleDashboard    = "dashboard"
	ModuleExpenses     = "expenses"
	ModuleVendors      = "vendors"
	ModuleReports      = "reports"
	ModuleAIInsights   = "ai_insights"
	ModuleIntegrations = "integrations"
	ModuleSystemAdmin  = "system_admin"
)

// BuiltInPermissions returns the permission keys shipped with the engine
func BuiltInPermissions() []PermissionDefinition {
	return []PermissionDefinition{
		{Key: PermDashboardView, Name: "View dashboard", Category: "dashboard", Tier: TierCore},
		{Key: PermExpensesView, Name: "View expenses", Category: "expenses", Tier: TierCore},
		{Key: PermExpensesCreate, Name: "Create expenses", Category: "expenses", Tier: TierCore},
		{Key: PermExpensesEdit, Name: "Edit expenses", Category: "expenses", Tier: TierCore},
		{Key: PermExpensesApprove, Name: "Approve expenses", Category: "expenses", Tier: TierCore},
		{Key: PermExpensesExport, Name: "Export expenses", Category: "expenses", Tier: TierAddOn},
		{Key: PermVendorsView, Name: "View vendors", Category: "vendors", Tier: TierCore},
		{Key: PermVendorsManage, Name: "Manage vendors", Category: "vendors", Tier: TierCore},
		{Key: PermReportsView, Name: "View reports", Category: "reports", Tier: TierAddOn},
		{Key: PermReportsExport, Name: "Export reports", Category: "reports", Tier: TierAddOn},
		{Key: PermUsersView, Name: "View users", Category: "users", Tier: TierCore},
		{Key: PermUsersManage, Name: "Manage users", Category: "users", Tier: TierCore},
		{Key: PermCompanySettings, Name: "Company settings", Category: "company", Tier: TierCore},
		{Key: PermAuditView, Name: "View audit log", Category: "audit", Tier: TierCore},
		{Key: PermBillingSuperOverride, Name: "Override billing", Category: "billing", Tier: TierSuper,
			Description: "Bypass subscription limits for any company"},
		{Key: PermCompaniesManage, Name: "Manage companies", Category: "system", Tier: TierSuper},
		{Key: PermSystemSettings, Name: "System settings", Category: "system", Tier: TierSuper},
	}
}

// BuiltInModules returns the modules shipped with the engine
func BuiltInModules() []ModuleDefinition {
	return []ModuleDefinition{
		{ID: ModuleDashboard, Name: "Dashboard", Category: "core", Tier: TierCore, IsCoreRequired: true},
		{ID: ModuleExpenses, Name: "Expenses", Category: "finance", Tier: TierCore, IsCoreRequired: true},
		{ID: ModuleVendors, Name: "Vendors", Category: "finance", Tier: TierCore},
		{ID: ModuleReports, Name: "Reports", Category: "analytics", Tier: TierAddOn},
		{ID: ModuleAIInsights, Name: "AI Insights", Category: "analytics", Tier: TierAddOn,
			Dependencies: []string{ModuleReports}},
		{ID: ModuleIntegrations, Name: "Integrations", Category: "platform", Tier: TierAddOn},
		{ID: ModuleSystemAdmin, Name: "System Administration", Category: "platform", Tier: TierSuper},
	}
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(BuiltInPermissions(), BuiltInModules())
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// CatalogFile is the deploy-time extension file for the catalog. Entries can be
// added or deprecated but never removed or re-tiered.
type CatalogFile struct {
	Permissions  []PermissionDefinition  `yaml:"permissions"`
	Modules      []ModuleDefinition      `yaml:"modules"`
	Deprecate    DeprecationList         `yaml:"deprecate"`
	RoleDefaults map[Role]RoleDefaultSet `yaml:"role_defaults"`
}

// DeprecationList names existing entries to mark deprecated
type DeprecationList struct {
	Permissions []string `yaml:"permissions"`
	Modules     []string `yaml:"modules"`
}

// ParseCatalogFile decodes a catalog extension document
func ParseCatalogFile(data []byte) (*CatalogFile, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	for role := range f.RoleDefaults {
		if !role.Valid() {
			return nil, fmt.Errorf("catalog file has defaults for unknown role %q", role)
		}
	}
	return &f, nil
}

// LoadCatalogFile reads and decodes a catalog extension file
func LoadCatalogFile(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalogFile(data)
}

// Extend returns a new catalog with the file's additions and deprecations applied
func (c *Catalog) Extend(f *CatalogFile) (*Catalog, error) {
	if f == nil {
		return c, nil
	}

	perms := c.Permissions()
	permIndex := make(map[string]int, len(perms))
	for i, p := range perms {
		permIndex[p.Key] = i
	}
	for _, p := range f.Permissions {
		if i, exists := permIndex[p.Key]; exists {
			if perms[i].Tier != p.Tier {
				return nil, fmt.Errorf("permission %s: tier cannot change from %s to %s", p.Key, perms[i].Tier, p.Tier)
			}
			p.Deprecated = p.Deprecated || perms[i].Deprecated
			perms[i] = p
			continue
		}
		permIndex[p.Key] = len(perms)
		perms = append(perms, p)
	}
	for _, key := range f.Deprecate.Permissions {
		i, ok := permIndex[key]
		if !ok {
			return nil, fmt.Errorf("cannot deprecate unknown permission %s", key)
		}
		perms[i].Deprecated = true
	}

	mods := c.Modules()
	modIndex := make(map[string]int, len(mods))
	for i, m := range mods {
		modIndex[m.ID] = i
	}
	for _, m := range f.Modules {
		if i, exists := modIndex[m.ID]; exists {
			if mods[i].Tier != m.Tier {
				return nil, fmt.Errorf("module %s: tier cannot change from %s to %s", m.ID, mods[i].Tier, m.Tier)
			}
			m.Deprecated = m.Deprecated || mods[i].Deprecated
			mods[i] = m
			continue
		}
		modIndex[m.ID] = len(mods)
		mods = append(mods, m)
	}
	for _, id := range f.Deprecate.Modules {
		i, ok := modIndex[id]
		if !ok {
			return nil, fmt.Errorf("cannot deprecate unknown module %s", id)
		}
		mods[i].Deprecated = true
	}

	return NewCatalog(perms, mods)
}
