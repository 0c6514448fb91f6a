package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	companyOne = int64(1)
	companyTwo = int64(2)
)

func actor(id int64, role Role, companyID *int64) User {
	return User{ID: id, Role: role, CompanyID: companyID, IsActive: true}
}

func target(role Role, companyID *int64) *AccessSnapshot {
	s := snapshotFor(role, companyID)
	if companyID != nil {
		openGates(s, ModuleDashboard, ModuleExpenses, ModuleVendors, ModuleReports)
	}
	return s
}

func withModule(s *AccessSnapshot, moduleID string) *AccessSnapshot {
	s.UserModules[moduleID] = UserModuleGrant{UserID: s.User.ID, ModuleID: moduleID, IsEnabled: true}
	return s
}

func TestValidateRules(t *testing.T) {
	v := NewValidator(newTestEvaluator())

	admin := actor(1, RoleAdmin, &companyOne)
	super := actor(2, RoleSuperAdmin, nil)
	plain := actor(3, RoleUser, &companyOne)
	inactiveAdmin := admin
	inactiveAdmin.IsActive = false

	tests := []struct {
		name   string
		actor  User
		target *AccessSnapshot
		change Change
		kind   Kind
	}{
		{"plain user is unauthorized", plain, target(RoleUser, &companyOne), GrantPermission(PermExpensesApprove), KindUnauthorized},
		{"plain user cannot even no-op", plain, target(RoleUser, &companyOne), GrantPermission(PermExpensesView), KindUnauthorized},
		{"inactive admin is unauthorized", inactiveAdmin, target(RoleUser, &companyOne), GrantPermission(PermExpensesApprove), KindUnauthorized},
		{"admin cross tenant", admin, target(RoleUser, &companyTwo), GrantPermission(PermExpensesApprove), KindCrossTenant},
		{"admin cross tenant beats super tier", admin, target(RoleUser, &companyTwo), GrantPermission(PermBillingSuperOverride), KindCrossTenant},
		{"admin targeting super-admin without company", admin, target(RoleSuperAdmin, nil), GrantPermission(PermExpensesApprove), KindCrossTenant},
		{"admin moving user to other company", admin, target(RoleUser, &companyOne), MoveToCompany(&companyTwo), KindCrossTenant},
		{"admin targeting super-admin in company", admin, target(RoleSuperAdmin, &companyOne), RevokePermission(PermExpensesView), KindInsufficientAuthority},
		{"admin granting super permission", admin, target(RoleUser, &companyOne), GrantPermission(PermBillingSuperOverride), KindInsufficientAuthority},
		{"admin revoking super permission", admin, target(RoleUser, &companyOne), RevokePermission(PermSystemSettings), KindInsufficientAuthority},
		{"admin enabling super module", admin, target(RoleUser, &companyOne), EnableModule(ModuleSystemAdmin), KindInsufficientAuthority},
		{"unknown permission", admin, target(RoleUser, &companyOne), GrantPermission("expenses.teleport"), KindInvalidChange},
		{"unknown module", super, target(RoleUser, &companyOne), EnableModule("holodeck"), KindInvalidChange},
		{"unknown role", super, target(RoleUser, &companyOne), SetRole("owner"), KindInvalidChange},
		{"company removed from user", super, target(RoleUser, &companyOne), MoveToCompany(nil), KindInvalidChange},
		{"super-admin without company demoted", super, target(RoleSuperAdmin, nil), SetRole(RoleAdmin), KindInvalidChange},
		{"empty change type", super, target(RoleUser, &companyOne), Change{Key: PermExpensesView}, KindInvalidChange},
		{"admin disabling required module", admin, target(RoleUser, &companyOne), DisableModule(ModuleExpenses), KindRequiredModuleProtected},
		{"super-admin disabling required module", super, target(RoleUser, &companyOne), DisableModule(ModuleDashboard), KindRequiredModuleProtected},
		{"admin promoting to super-admin", admin, target(RoleUser, &companyOne), SetRole(RoleSuperAdmin), KindInsufficientAuthority},
		{"admin promoting self to super-admin", admin, target(RoleAdmin, &companyOne), SetRole(RoleSuperAdmin), KindInsufficientAuthority},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.actor, tt.target, tt.change)
			assert.False(t, result.Allowed)
			assert.Equal(t, tt.kind, result.Kind)
			assert.Equal(t, []string{tt.kind.Message()}, result.Errors)
			assert.ErrorIs(t, result.Err(), kindSentinels[tt.kind])
		})
	}
}

func TestValidateAllowed(t *testing.T) {
	v := NewValidator(newTestEvaluator())
	admin := actor(1, RoleAdmin, &companyOne)
	super := actor(2, RoleSuperAdmin, nil)

	tests := []struct {
		name   string
		actor  User
		target *AccessSnapshot
		change Change
	}{
		{"admin grants core permission", admin, target(RoleUser, &companyOne), GrantPermission(PermExpensesApprove)},
		{"admin enables add-on module", admin, target(RoleUser, &companyOne), EnableModule(ModuleReports)},
		{"admin disables optional module", admin, withModule(target(RoleUser, &companyOne), ModuleVendors), DisableModule(ModuleVendors)},
		{"admin promotes user to admin", admin, target(RoleUser, &companyOne), SetRole(RoleAdmin)},
		{"admin demotes peer admin", admin, target(RoleAdmin, &companyOne), SetRole(RoleUser)},
		{"super-admin grants super permission", super, target(RoleUser, &companyOne), GrantPermission(PermBillingSuperOverride)},
		{"super-admin works across tenants", super, target(RoleUser, &companyTwo), EnableModule(ModuleSystemAdmin)},
		{"super-admin moves user", super, target(RoleUser, &companyOne), MoveToCompany(&companyTwo)},
		{"super-admin promotes to super-admin", super, target(RoleAdmin, &companyOne), SetRole(RoleSuperAdmin)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.actor, tt.target, tt.change)
			require.True(t, result.Allowed, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			assert.False(t, result.NoOp)
			assert.NoError(t, result.Err())
		})
	}
}

func TestValidateNoOp(t *testing.T) {
	v := NewValidator(newTestEvaluator())
	admin := actor(1, RoleAdmin, &companyOne)

	tests := []struct {
		name   string
		target *AccessSnapshot
		change Change
	}{
		{"grant of default permission", target(RoleUser, &companyOne), GrantPermission(PermExpensesView)},
		{"revoke of absent permission", target(RoleUser, &companyOne), RevokePermission(PermExpensesApprove)},
		{"enable of required module", target(RoleUser, &companyOne), EnableModule(ModuleDashboard)},
		{"disable of module never enabled", target(RoleUser, &companyOne), DisableModule(ModuleReports)},
		{"role unchanged", target(RoleUser, &companyOne), SetRole(RoleUser)},
		{"company unchanged", target(RoleUser, &companyOne), MoveToCompany(&companyOne)},
		{"enable already stored behind closed gate", withModule(snapshotFor(RoleUser, &companyOne), ModuleReports), EnableModule(ModuleReports)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(admin, tt.target, tt.change)
			require.True(t, result.Allowed)
			assert.True(t, result.NoOp)
			assert.Contains(t, result.Warnings, WarnNoEffect)
		})
	}
}

func TestValidateClosedGateFirstEnableIsWritten(t *testing.T) {
	v := NewValidator(newTestEvaluator())
	admin := actor(1, RoleAdmin, &companyOne)

	// The grant has no effect yet, but it is stored for when the gate opens.
	result := v.Validate(admin, snapshotFor(RoleUser, &companyOne), EnableModule(ModuleReports))
	require.True(t, result.Allowed)
	assert.False(t, result.NoOp)
}

func TestValidateRoleEscalationForAdmins(t *testing.T) {
	v := NewValidator(newTestEvaluator())
	admin := actor(1, RoleAdmin, &companyOne)

	for _, role := range AllRoles() {
		if Authority(role) <= Authority(admin.Role) {
			continue
		}
		for _, targetRole := range []Role{RoleUser, RoleAdmin} {
			result := v.Validate(admin, target(targetRole, &companyOne), SetRole(role))
			assert.Equal(t, KindInsufficientAuthority, result.Kind, "%s -> %s", targetRole, role)
		}
	}
}

func TestValidateCrossTenantNeverAllowed(t *testing.T) {
	v := NewValidator(newTestEvaluator())
	admin := actor(1, RoleAdmin, &companyOne)
	changes := []Change{
		GrantPermission(PermExpensesView),
		RevokePermission(PermExpensesView),
		EnableModule(ModuleDashboard),
		DisableModule(ModuleDashboard),
		SetRole(RoleUser),
		MoveToCompany(&companyOne),
	}

	for _, role := range []Role{RoleUser, RoleAdmin} {
		for _, c := range changes {
			result := v.Validate(admin, target(role, &companyTwo), c)
			assert.False(t, result.Allowed)
			assert.Equal(t, KindCrossTenant, result.Kind, "%s on %s", c, role)
		}
	}
}

func TestValidateWarnings(t *testing.T) {
	v := NewValidator(newTestEvaluator())
	admin := actor(1, RoleAdmin, &companyOne)

	t.Run("dependency not enabled", func(t *testing.T) {
		s := target(RoleUser, &companyOne)
		openGates(s, ModuleAIInsights)
		result := v.Validate(admin, s, EnableModule(ModuleAIInsights))
		require.True(t, result.Allowed)
		assert.Contains(t, result.Warnings, "module dependency not enabled: reports")
	})

	t.Run("company gate closed", func(t *testing.T) {
		s := target(RoleUser, &companyOne)
		result := v.Validate(admin, s, EnableModule(ModuleIntegrations))
		require.True(t, result.Allowed)
		assert.False(t, result.NoOp)
		assert.Contains(t, result.Warnings, WarnCompanyGateClosed)
	})

	t.Run("dependent module enabled", func(t *testing.T) {
		s := target(RoleUser, &companyOne)
		openGates(s, ModuleAIInsights)
		s.UserModules[ModuleReports] = UserModuleGrant{ModuleID: ModuleReports, IsEnabled: true}
		s.UserModules[ModuleAIInsights] = UserModuleGrant{ModuleID: ModuleAIInsights, IsEnabled: true}
		result := v.Validate(admin, s, DisableModule(ModuleReports))
		require.True(t, result.Allowed)
		assert.Contains(t, result.Warnings, "module is required by enabled module: ai_insights")
	})

	t.Run("inactive target and self modification", func(t *testing.T) {
		s := target(RoleAdmin, &companyOne)
		s.User.ID = admin.ID
		s.User.IsActive = false
		result := v.Validate(admin, s, GrantPermission(PermExpensesApprove))
		require.True(t, result.Allowed)
		assert.Contains(t, result.Warnings, WarnTargetInactive)
		assert.Contains(t, result.Warnings, WarnSelfModification)
	})

	t.Run("super-admin target", func(t *testing.T) {
		super := actor(2, RoleSuperAdmin, nil)
		result := v.Validate(super, target(RoleSuperAdmin, nil), RevokePermission(PermExpensesView))
		require.True(t, result.Allowed)
		assert.Contains(t, result.Warnings, WarnSuperAdminBypass)
	})
}
