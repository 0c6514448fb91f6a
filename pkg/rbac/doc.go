// Package rbac is the core of the permitd authorization engine: the permission
// catalog, role defaults, effective-access resolution and change validation
// for a multi-tenant application.
//
// # Overview
//
// Every user has a role (user, admin or super-admin) and, unless they are a
// super-admin, belongs to exactly one company. Access to a permission key or
// a module is never stored as a single row; it is resolved from several
// overlapping sources:
//
//  1. The super-admin bypass. Super-admins hold every permission and module.
//  2. The company gate (CompanyModuleGrant). A closed or missing gate hides a
//     module from every user of the company.
//  3. The required-module floor. Core-required modules are on for every user
//     of a company whose gate is open.
//  4. Per-user rows (UserModuleGrant, PermissionOverride).
//  5. Role defaults, for permission keys without an override.
//
// The order is significant. Evaluator implements it and nothing else in the
// engine compares roles except through Authority.
//
// # Catalog
//
// The catalog lists every known permission key and module with a tier (core,
// add-on, super). It is fixed at process start; a YAML file can add or
// deprecate entries but not remove or re-tier them:
//
//	catalog := rbac.DefaultCatalog()
//	if path != "" {
//		file, err := rbac.LoadCatalogFile(path)
//		...
//		catalog, err = catalog.Extend(file)
//	}
//	defaults := rbac.DefaultRoleDefaults(catalog)
//
// # Resolution
//
// Resolver loads an AccessSnapshot per user and caches it in an expirable
// LRU. Writers must call Invalidate (or InvalidateCompany for gate changes)
// after committing; the TTL only bounds staleness if an invalidation is
// missed. With a RedisInvalidationBus the invalidation reaches every instance:
//
//	resolver := rbac.NewResolver(rbac.NewEvaluator(catalog, defaults), store,
//		rbac.ResolverConfig{CacheSize: 10000, CacheTTL: 5 * time.Minute},
//		rbac.WithInvalidationBus(rbac.NewRedisInvalidationBus(client, "", log)))
//	go resolver.ListenForInvalidations(ctx)
//
//	ok, err := resolver.Resolve(ctx, userID, "expenses.approve")
//
// # Validation
//
// Validator decides whether an actor may apply a Change to a target snapshot.
// Rules run in a fixed order and the first failure decides the Kind:
//
//	unauthorized               actor is not an active admin or super-admin
//	cross_tenant               admin acting outside their company
//	insufficient_authority     admin touching a super-admin or super-tier entry
//	invalid_change             unknown key, module, role or missing company
//	required_module_protected  disabling a core-required module
//	insufficient_authority     raising a role above the actor's own
//
// A change that would not alter the effective value is allowed with the
// warning "change has no effect" and NoOp set.
//
// # Errors
//
// Failures carry a Kind with a stable, user-facing message. Use errors.Is
// with the sentinel errors (ErrCrossTenant, ErrConcurrentModification, ...)
// and PublicMessage to render a denial without leaking internal detail.
//
// # Storage
//
// SQLStore persists users, companies and grants with database/sql. Each
// user's changes are applied in one transaction guarded by the user's
// access_version column, so two writers that loaded the same version cannot
// both commit. Run the Postgres migrations with RunMigrations; tests use the
// SQLite schema in the rbactest package.
package rbac
