package templates

import (
	"sort"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

// System template ids
const (
	BasicUser       = SystemPrefix + "basic-user"
	ExpenseApprover = SystemPrefix + "expense-approver"
	FinanceManager  = SystemPrefix + "finance-manager"
	CompanyAdmin    = SystemPrefix + "company-admin"
)

// SystemTemplates derives the built-in templates from a catalog and its role
// defaults. Keys the catalog does not know are left out, and super-tier
// entries are never included.
func SystemTemplates(catalog *rbac.Catalog, defaults *rbac.RoleDefaults) []Template {
	byCategory := func(categories ...string) []string {
		var keys []string
		for _, p := range catalog.Permissions() {
			for _, c := range categories {
				if p.Category == c && p.Tier != rbac.TierSuper {
					keys = append(keys, p.Key)
				}
			}
		}
		return keys
	}

	basic := Template{
		ID:          BasicUser,
		Name:        "Basic user",
		Description: "Default access for a regular user",
		TargetRole:  rbac.RoleUser,
		Permissions: defaults.Permissions(rbac.RoleUser),
		Modules:     defaults.Modules(rbac.RoleUser),
	}

	approver := Template{
		ID:          ExpenseApprover,
		Name:        "Expense approver",
		Description: "Review and approve expenses",
		TargetRole:  rbac.RoleUser,
		Permissions: append(defaults.Permissions(rbac.RoleUser),
			rbac.PermExpensesApprove, rbac.PermReportsView),
		Modules: append(defaults.Modules(rbac.RoleUser), rbac.ModuleReports),
	}

	finance := Template{
		ID:          FinanceManager,
		Name:        "Finance manager",
		Description: "Full control of expenses, vendors and reports",
		TargetRole:  rbac.RoleUser,
		Permissions: append(byCategory("dashboard", "expenses", "vendors", "reports"), rbac.PermAuditView),
		Modules: append(defaults.Modules(rbac.RoleUser),
			rbac.ModuleVendors, rbac.ModuleReports),
	}

	admin := Template{
		ID:          CompanyAdmin,
		Name:        "Company admin",
		Description: "Everything an admin gets by default",
		TargetRole:  rbac.RoleAdmin,
		Permissions: defaults.Permissions(rbac.RoleAdmin),
		Modules:     defaults.Modules(rbac.RoleAdmin),
	}

	out := []Template{basic, approver, finance, admin}
	for i := range out {
		out[i].IsSystem = true
		out[i].Permissions = known(out[i].Permissions, func(k string) bool {
			p, ok := catalog.Permission(k)
			return ok && p.Tier != rbac.TierSuper
		})
		out[i].Modules = known(out[i].Modules, func(id string) bool {
			m, ok := catalog.Module(id)
			return ok && m.Tier != rbac.TierSuper
		})
	}
	return out
}

// known returns the sorted, de-duplicated entries accepted by keep
func known(items []string, keep func(string) bool) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] || !keep(item) {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
