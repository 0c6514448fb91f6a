package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	p, ok := c.Permission(PermExpensesApprove)
	require.True(t, ok)
	assert.Equal(t, TierCore, p.Tier)

	assert.True(t, c.IsSuperPermission(PermBillingSuperOverride))
	assert.False(t, c.IsSuperPermission(PermExpensesApprove))
	assert.False(t, c.IsSuperPermission("missing"))
	assert.True(t, c.IsSuperModule(ModuleSystemAdmin))

	assert.Equal(t, []string{ModuleDashboard, ModuleExpenses}, c.RequiredModules())
	assert.Equal(t, []string{ModuleAIInsights}, c.Dependents(ModuleReports))
	assert.Len(t, c.Permissions(), len(BuiltInPermissions()))
	assert.Len(t, c.Modules(), len(BuiltInModules()))
}

func TestNewCatalogRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		perms   []PermissionDefinition
		modules []ModuleDefinition
	}{
		{"duplicate permission", []PermissionDefinition{{Key: "a.b", Tier: TierCore}, {Key: "a.b", Tier: TierCore}}, nil},
		{"invalid tier", []PermissionDefinition{{Key: "a.b", Tier: "gold"}}, nil},
		{"empty key", []PermissionDefinition{{Tier: TierCore}}, nil},
		{"unknown dependency", nil, []ModuleDefinition{{ID: "x", Tier: TierCore, Dependencies: []string{"y"}}}},
		{"self dependency", nil, []ModuleDefinition{{ID: "x", Tier: TierCore, Dependencies: []string{"x"}}}},
		{"duplicate module", nil, []ModuleDefinition{{ID: "x", Tier: TierCore}, {ID: "x", Tier: TierAddOn}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.perms, tt.modules)
			assert.Error(t, err)
		})
	}
}

func TestCatalogExtend(t *testing.T) {
	f, err := ParseCatalogFile([]byte(`
permissions:
  - key: travel.book
    name: Book travel
    category: travel
    tier: add-on
modules:
  - id: travel
    name: Travel
    category: finance
    tier: add-on
    dependencies: [expenses]
deprecate:
  permissions: [expenses.export]
  modules: [integrations]
role_defaults:
  user:
    permissions: [dashboard.view, travel.book]
    modules: [dashboard, expenses]
`))
	require.NoError(t, err)

	base := DefaultCatalog()
	c, err := base.Extend(f)
	require.NoError(t, err)

	p, ok := c.Permission("travel.book")
	require.True(t, ok)
	assert.Equal(t, TierAddOn, p.Tier)

	m, ok := c.Module("travel")
	require.True(t, ok)
	assert.Equal(t, []string{ModuleExpenses}, m.Dependencies)

	exp, _ := c.Permission(PermExpensesExport)
	assert.True(t, exp.Deprecated)
	integ, _ := c.Module(ModuleIntegrations)
	assert.True(t, integ.Deprecated)

	// The base catalog is untouched.
	exp, _ = base.Permission(PermExpensesExport)
	assert.False(t, exp.Deprecated)

	defaults, err := DefaultRoleDefaults(c).WithOverrides(c, f.RoleDefaults)
	require.NoError(t, err)
	assert.Equal(t, []string{PermDashboardView, "travel.book"}, defaults.Permissions(RoleUser))
	assert.True(t, defaults.Permission(RoleAdmin, PermUsersManage), "admin keeps built-in defaults")
}

func TestCatalogExtendRejectsRetiering(t *testing.T) {
	f, err := ParseCatalogFile([]byte(`
permissions:
  - key: billing.super_override
    name: Override billing
    tier: core
`))
	require.NoError(t, err)

	_, err = DefaultCatalog().Extend(f)
	assert.Error(t, err)
}

func TestCatalogExtendRejectsUnknownDeprecation(t *testing.T) {
	_, err := DefaultCatalog().Extend(&CatalogFile{Deprecate: DeprecationList{Modules: []string{"nope"}}})
	assert.Error(t, err)
}

func TestParseCatalogFileRejectsUnknownRole(t *testing.T) {
	_, err := ParseCatalogFile([]byte("role_defaults:\n  owner:\n    permissions: []\n"))
	assert.Error(t, err)
}

func TestRoleDefaults(t *testing.T) {
	c := DefaultCatalog()
	d := DefaultRoleDefaults(c)

	assert.True(t, d.Permission(RoleUser, PermExpensesCreate))
	assert.False(t, d.Permission(RoleUser, PermExpensesApprove))
	assert.True(t, d.Permission(RoleAdmin, PermExpensesApprove))
	assert.False(t, d.Permission(RoleAdmin, PermBillingSuperOverride))
	assert.True(t, d.Permission(RoleSuperAdmin, PermBillingSuperOverride))

	assert.Equal(t, []string{ModuleDashboard, ModuleExpenses}, d.Modules(RoleUser))
	assert.Equal(t, []string{ModuleDashboard, ModuleExpenses, ModuleReports, ModuleVendors}, d.Modules(RoleAdmin))
}

func TestRoleDefaultsRejectSuperTierBelowSuperAdmin(t *testing.T) {
	c := DefaultCatalog()
	_, err := NewRoleDefaults(c, map[Role]RoleDefaultSet{
		RoleAdmin: {Permissions: []string{PermBillingSuperOverride}},
	})
	assert.Error(t, err)

	_, err = NewRoleDefaults(c, map[Role]RoleDefaultSet{
		RoleUser: {Modules: []string{ModuleSystemAdmin}},
	})
	assert.Error(t, err)
}

func TestAuthorityOrdering(t *testing.T) {
	assert.Less(t, Authority(RoleUser), Authority(RoleAdmin))
	assert.Less(t, Authority(RoleAdmin), Authority(RoleSuperAdmin))
	assert.Equal(t, 0, Authority("owner"))

	_, err := ParseRole("owner")
	assert.Error(t, err)
	r, err := ParseRole("super-admin")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, r)
}

func TestChangeEncoding(t *testing.T) {
	assert.Equal(t, "permission:expenses.view", RevokePermission(PermExpensesView).Subject())
	assert.Equal(t, GrantPermission("k").Subject(), RevokePermission("k").Subject())
	assert.Equal(t, EnableModule("m").Subject(), DisableModule("m").Subject())
	assert.Equal(t, "role", SetRole(RoleAdmin).Subject())
	assert.Equal(t, "company", MoveToCompany(nil).Subject())

	assert.Equal(t, "true", GrantPermission("k").Desired())
	assert.Equal(t, "false", DisableModule("m").Desired())
	assert.Equal(t, "admin", SetRole(RoleAdmin).Desired())
	assert.Equal(t, "5", MoveToCompany(Int64Ptr(5)).Desired())
	assert.Equal(t, "", MoveToCompany(nil).Desired())
}
