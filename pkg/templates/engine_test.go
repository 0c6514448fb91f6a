package templates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permitd/pkg/audit"
	"github.com/platinummonkey/permitd/pkg/bulk"
	"github.com/platinummonkey/permitd/pkg/rbac"
	"github.com/platinummonkey/permitd/pkg/rbac/rbactest"
)

type env struct {
	t        *testing.T
	fx       *rbactest.Fixture
	engine   *Engine
	resolver *rbac.Resolver
	rec      *audit.QueuedRecorder
	sink     *audit.MemorySink

	acme, globex *rbac.Company
	admin        *rbac.User
	otherAdmin   *rbac.User
	foreignAdmin *rbac.User
	super        *rbac.User
	user         *rbac.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fx := rbactest.NewFixture(t)
	catalog := rbac.DefaultCatalog()
	eval := rbac.NewEvaluator(catalog, rbac.DefaultRoleDefaults(catalog))
	resolver := rbac.NewResolver(eval, fx.Store, rbac.ResolverConfig{CacheSize: 64, CacheTTL: time.Minute})

	sink := audit.NewMemorySink()
	rec := audit.NewQueuedRecorder(sink, audit.RecorderConfig{QueueSize: 64, Workers: 1})
	t.Cleanup(func() { rec.Close(context.Background()) })

	coord := bulk.NewCoordinator(fx.Store, resolver, rbac.NewValidator(eval), rec,
		bulk.Config{MaxAttempts: 1, Concurrency: 2})

	e := &env{
		t:        t,
		fx:       fx,
		engine:   NewEngine(NewSQLStore(fx.Store.DB()), resolver, coord, rec),
		resolver: resolver,
		rec:      rec,
		sink:     sink,
	}
	e.acme = fx.Company("Acme", rbac.ModuleDashboard, rbac.ModuleExpenses, rbac.ModuleVendors, rbac.ModuleReports)
	e.globex = fx.Company("Globex", rbac.ModuleDashboard, rbac.ModuleExpenses)
	e.admin = fx.User(rbac.RoleAdmin, &e.acme.ID)
	e.otherAdmin = fx.User(rbac.RoleAdmin, &e.acme.ID)
	e.foreignAdmin = fx.User(rbac.RoleAdmin, &e.globex.ID)
	e.super = fx.User(rbac.RoleSuperAdmin, nil)
	e.user = fx.User(rbac.RoleUser, &e.acme.ID)
	return e
}

func (e *env) events(types ...audit.EventType) []*audit.AuditEvent {
	e.t.Helper()
	require.NoError(e.t, e.rec.Flush(context.Background()))
	events, err := e.sink.Search(context.Background(), audit.SearchFilter{EventTypes: types})
	require.NoError(e.t, err)
	return events
}

func TestSystemTemplates(t *testing.T) {
	catalog := rbac.DefaultCatalog()
	tpls := SystemTemplates(catalog, rbac.DefaultRoleDefaults(catalog))
	require.Len(t, tpls, 4)

	ids := []string{}
	for _, tpl := range tpls {
		ids = append(ids, tpl.ID)
		assert.True(t, tpl.IsSystem)
		assert.NotEmpty(t, tpl.Changes())
		for _, key := range tpl.Permissions {
			assert.False(t, catalog.IsSuperPermission(key), "%s includes %s", tpl.ID, key)
		}
	}
	assert.Equal(t, []string{BasicUser, ExpenseApprover, FinanceManager, CompanyAdmin}, ids)
	assert.Contains(t, tpls[1].Permissions, rbac.PermExpensesApprove)
	assert.Contains(t, tpls[1].Modules, rbac.ModuleReports)
}

func TestApplyIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.engine.Apply(ctx, ExpenseApprover, e.user.ID, *e.admin)
	require.NoError(t, err)
	require.Equal(t, bulk.StatusApplied, first.Status)
	assert.ElementsMatch(t, []rbac.Change{
		rbac.GrantPermission(rbac.PermExpensesApprove),
		rbac.GrantPermission(rbac.PermReportsView),
		rbac.EnableModule(rbac.ModuleReports),
	}, first.Applied)

	access, err := e.resolver.EffectiveAccess(ctx, e.user.ID)
	require.NoError(t, err)
	assert.Contains(t, access.Permissions, rbac.PermExpensesApprove)
	assert.Contains(t, access.Modules, rbac.ModuleReports)

	tpl, err := e.engine.Get(ctx, *e.admin, ExpenseApprover)
	require.NoError(t, err)
	firstRun := len(e.events())
	assert.Equal(t, len(tpl.Changes()), firstRun)

	second, err := e.engine.Apply(ctx, ExpenseApprover, e.user.ID, *e.admin)
	require.NoError(t, err)
	assert.Equal(t, bulk.StatusApplied, second.Status)
	assert.Empty(t, second.Applied)
	assert.Len(t, second.NoOps, len(tpl.Changes()))
	assert.Equal(t, first.Version, second.Version)

	again, err := e.resolver.EffectiveAccess(ctx, e.user.ID)
	require.NoError(t, err)
	assert.Equal(t, access, again)

	events := e.events()
	require.Len(t, events, 2*firstRun)
	for _, ev := range events[:firstRun] {
		assert.True(t, ev.IsNoOp(), "second run is newest and all no-ops")
		assert.Equal(t, ExpenseApprover, ev.Metadata[audit.MetaTemplateID])
	}
}

func TestApplyIsIdempotentBehindClosedGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clerk := e.fx.User(rbac.RoleUser, &e.globex.ID)

	first, err := e.engine.Apply(ctx, ExpenseApprover, clerk.ID, *e.foreignAdmin)
	require.NoError(t, err)
	require.Equal(t, bulk.StatusApplied, first.Status)
	assert.Contains(t, first.Applied, rbac.EnableModule(rbac.ModuleReports))
	assert.Equal(t, int64(1), first.Version)

	access, err := e.resolver.EffectiveAccess(ctx, clerk.ID)
	require.NoError(t, err)
	assert.NotContains(t, access.Modules, rbac.ModuleReports, "Globex has not bought reports")

	tpl, err := e.engine.Get(ctx, *e.foreignAdmin, ExpenseApprover)
	require.NoError(t, err)
	firstRun := len(e.events())

	second, err := e.engine.Apply(ctx, ExpenseApprover, clerk.ID, *e.foreignAdmin)
	require.NoError(t, err)
	assert.Equal(t, bulk.StatusApplied, second.Status)
	assert.Empty(t, second.Applied)
	assert.Len(t, second.NoOps, len(tpl.Changes()))
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, int64(1), e.fx.Reload(clerk.ID).AccessVersion)

	events := e.events()
	require.Len(t, events, firstRun+len(tpl.Changes()))
	for _, ev := range events[:len(tpl.Changes())] {
		assert.True(t, ev.IsNoOp(), "%s", ev.Message)
	}
}

func TestApplyGoesThroughValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.engine.Apply(ctx, BasicUser, e.super.ID, *e.admin)
	require.NoError(t, err)
	assert.Equal(t, bulk.StatusValidationFailed, res.Status)
	assert.Equal(t, rbac.KindCrossTenant, res.Kind)
	assert.Equal(t, int64(0), e.fx.Reload(e.super.ID).AccessVersion)

	res, err = e.engine.Apply(ctx, BasicUser, 424242, *e.admin)
	require.NoError(t, err)
	assert.Equal(t, rbac.KindCrossTenant, res.Kind)

	_, err = e.engine.Apply(ctx, BasicUser, e.user.ID, *e.user)
	assert.ErrorIs(t, err, rbac.ErrUnauthorized)
	_, err = e.engine.Apply(ctx, BasicUser, 424242, *e.user)
	assert.ErrorIs(t, err, rbac.ErrUnauthorized, "unknown targets are refused the same way")
}

func TestApplyWarnsOnRoleMismatch(t *testing.T) {
	e := newEnv(t)
	res, err := e.engine.Apply(context.Background(), CompanyAdmin, e.user.ID, *e.admin)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Contains(t, res.Warnings, WarnRoleMismatch)
}

func TestCustomTemplateLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tpl, err := e.engine.Create(ctx, *e.admin, Input{
		Name:        "  Vendor desk ",
		TargetRole:  rbac.RoleUser,
		Permissions: []string{rbac.PermVendorsManage, rbac.PermVendorsView, rbac.PermVendorsManage},
		Modules:     []string{rbac.ModuleVendors},
		CompanyID:   &e.globex.ID,
	})
	require.NoError(t, err)
	assert.Contains(t, tpl.ID, CustomPrefix)
	assert.Equal(t, "Vendor desk", tpl.Name)
	assert.Equal(t, e.acme.ID, *tpl.CompanyID, "admins always create in their own company")
	assert.Equal(t, []string{rbac.PermVendorsManage, rbac.PermVendorsView}, tpl.Permissions)

	list, err := e.engine.List(ctx, *e.otherAdmin)
	require.NoError(t, err)
	assert.Len(t, list, 5)

	list, err = e.engine.List(ctx, *e.foreignAdmin)
	require.NoError(t, err)
	assert.Len(t, list, 4)

	_, err = e.engine.Get(ctx, *e.foreignAdmin, tpl.ID)
	assert.ErrorIs(t, err, rbac.ErrCrossTenant)

	_, err = e.engine.Update(ctx, *e.otherAdmin, tpl.ID, Input{Name: "Hijack", TargetRole: rbac.RoleUser, Modules: []string{rbac.ModuleVendors}})
	assert.ErrorIs(t, err, rbac.ErrInsufficientAuthority)

	updated, err := e.engine.Update(ctx, *e.admin, tpl.ID, Input{
		Name:        "Vendor desk",
		TargetRole:  rbac.RoleUser,
		Permissions: []string{rbac.PermVendorsView},
		Modules:     []string{rbac.ModuleVendors},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.PermVendorsView}, updated.Permissions)

	res, err := e.engine.Apply(ctx, tpl.ID, e.user.ID, *e.otherAdmin)
	require.NoError(t, err)
	require.True(t, res.OK())
	ok, err := e.resolver.ResolveModule(ctx, e.user.ID, rbac.ModuleVendors)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, e.engine.Delete(ctx, *e.super, tpl.ID))
	_, err = e.engine.Get(ctx, *e.admin, tpl.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting the template leaves granted access in place
	ok, err = e.resolver.ResolveModule(ctx, e.user.ID, rbac.ModuleVendors)
	require.NoError(t, err)
	assert.True(t, ok)

	lifecycle := e.events(audit.EventTypeTemplateCreated, audit.EventTypeTemplateUpdated, audit.EventTypeTemplateDeleted)
	require.Len(t, lifecycle, 3)
	assert.Equal(t, audit.EventTypeTemplateDeleted, lifecycle[0].EventType)
	assert.Equal(t, tpl.ID, lifecycle[0].ResourceID)
}

func TestCustomTemplateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.Create(ctx, *e.admin, Input{
		Name: "Billing", TargetRole: rbac.RoleUser,
		Permissions: []string{rbac.PermBillingSuperOverride},
	})
	assert.ErrorIs(t, err, rbac.ErrInsufficientAuthority)

	_, err = e.engine.Create(ctx, *e.admin, Input{
		Name: "Admins", TargetRole: rbac.RoleSuperAdmin,
		Permissions: []string{rbac.PermUsersView},
	})
	assert.ErrorIs(t, err, rbac.ErrInsufficientAuthority)

	_, err = e.engine.Create(ctx, *e.admin, Input{
		Name: "", TargetRole: rbac.RoleUser,
		Permissions: []string{"nope.nothing"},
	})
	require.ErrorIs(t, err, rbac.ErrInvalidChange)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "nope.nothing")

	_, err = e.engine.Create(ctx, *e.super, Input{Name: "Orphan", TargetRole: rbac.RoleUser, Modules: []string{rbac.ModuleReports}})
	assert.ErrorIs(t, err, rbac.ErrInvalidChange, "super-admin must name a company")

	_, err = e.engine.Create(ctx, *e.super, Input{
		Name: "Ops", TargetRole: rbac.RoleAdmin, CompanyID: &e.globex.ID,
		Permissions: []string{rbac.PermSystemSettings},
	})
	require.NoError(t, err)

	_, err = e.engine.Create(ctx, *e.foreignAdmin, Input{Name: "Ops", TargetRole: rbac.RoleUser, Modules: []string{rbac.ModuleExpenses}})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = e.engine.Update(ctx, *e.super, BasicUser, Input{Name: "x", TargetRole: rbac.RoleUser, Modules: []string{rbac.ModuleReports}})
	assert.ErrorIs(t, err, ErrSystemTemplate)
	assert.ErrorIs(t, e.engine.Delete(ctx, *e.admin, CompanyAdmin), ErrSystemTemplate)
}

func TestCustomTemplateStaysInItsCompany(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	outsider := e.fx.User(rbac.RoleUser, &e.globex.ID)

	tpl, err := e.engine.Create(ctx, *e.admin, Input{Name: "Reports", TargetRole: rbac.RoleUser, Modules: []string{rbac.ModuleReports}})
	require.NoError(t, err)

	_, err = e.engine.Apply(ctx, tpl.ID, outsider.ID, *e.super)
	assert.ErrorIs(t, err, rbac.ErrCrossTenant)

	denied := e.events(audit.EventTypeAccessDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, tpl.ID, denied[0].Metadata[audit.MetaTemplateID])
	assert.Equal(t, int64(0), e.fx.Reload(outsider.ID).AccessVersion)
}
