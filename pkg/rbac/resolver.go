package rbac

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// AccessSnapshot is everything needed to resolve one user's access, read in
// a single pass from the store. Snapshots are never mutated after loading.
type AccessSnapshot struct {
	User           User                          `json:"user"`
	Overrides      map[string]PermissionOverride `json:"overrides"`
	UserModules    map[string]UserModuleGrant    `json:"user_modules"`
	CompanyModules map[string]CompanyModuleGrant `json:"company_modules"`
	LoadedAt       time.Time                     `json:"loaded_at"`
}

// EffectiveAccess is the resolved permission and module set of a user
type EffectiveAccess struct {
	UserID      int64    `json:"user_id"`
	Role        Role     `json:"role"`
	CompanyID   *int64   `json:"company_id,omitempty"`
	Permissions []string `json:"permissions"`
	Modules     []string `json:"modules"`
}

// Evaluator applies the precedence rules to a snapshot. It holds no mutable
// state and is safe for concurrent use.
type Evaluator struct {
	catalog  *Catalog
	defaults *RoleDefaults
}

// NewEvaluator creates an evaluator
func NewEvaluator(catalog *Catalog, defaults *RoleDefaults) *Evaluator {
	return &Evaluator{catalog: catalog, defaults: defaults}
}

// Catalog returns the catalog the evaluator resolves against
func (e *Evaluator) Catalog() *Catalog {
	return e.catalog
}

// Defaults returns the role defaults the evaluator falls back to
func (e *Evaluator) Defaults() *RoleDefaults {
	return e.defaults
}

// Permission resolves a permission key: super-admin, then override, then role default
func (e *Evaluator) Permission(s *AccessSnapshot, key string) bool {
	if s.User.Role == RoleSuperAdmin {
		return true
	}
	if o, ok := s.Overrides[key]; ok {
		return o.IsGranted
	}
	return e.defaults.Permission(s.User.Role, key)
}

// Module resolves a module: super-admin, then company gate, then required
// floor, then the user's grant. Reordering these steps changes behavior.
func (e *Evaluator) Module(s *AccessSnapshot, moduleID string) bool {
	if s.User.Role == RoleSuperAdmin {
		return true
	}

	gate, ok := s.CompanyModules[moduleID]
	if !ok || !gate.IsEnabled {
		return false
	}

	if m, ok := e.catalog.Module(moduleID); ok && m.IsCoreRequired {
		return true
	}

	if g, ok := s.UserModules[moduleID]; ok {
		return g.IsEnabled
	}
	return false
}

// CurrentValue returns the effective value of the subject a change writes,
// encoded the same way as Change.Desired.
func (e *Evaluator) CurrentValue(s *AccessSnapshot, c Change) string {
	switch {
	case c.IsPermission():
		return strconv.FormatBool(e.Permission(s, c.Key))
	case c.IsModule():
		return strconv.FormatBool(e.Module(s, c.Key))
	case c.Type == ChangeRole:
		return string(s.User.Role)
	case c.Type == ChangeCompany:
		return formatCompanyID(s.User.CompanyID)
	}
	return ""
}

// NoOp reports whether writing c would leave the user's access as it is.
// That holds when the effective value already matches, and also when the
// stored module grant already holds the desired value behind a closed
// company gate.
func (e *Evaluator) NoOp(s *AccessSnapshot, c Change) bool {
	desired := c.Desired()
	if e.CurrentValue(s, c) == desired {
		return true
	}
	if c.IsModule() {
		if g, ok := s.UserModules[c.Key]; ok && strconv.FormatBool(g.IsEnabled) == desired {
			return true
		}
	}
	return false
}

// Effective resolves every catalog permission and module for the snapshot
func (e *Evaluator) Effective(s *AccessSnapshot) *EffectiveAccess {
	out := &EffectiveAccess{
		UserID:      s.User.ID,
		Role:        s.User.Role,
		CompanyID:   s.User.CompanyID,
		Permissions: []string{},
		Modules:     []string{},
	}
	for _, p := range e.catalog.Permissions() {
		if e.Permission(s, p.Key) {
			out.Permissions = append(out.Permissions, p.Key)
		}
	}
	for _, m := range e.catalog.Modules() {
		if e.Module(s, m.ID) {
			out.Modules = append(out.Modules, m.ID)
		}
	}
	sort.Strings(out.Permissions)
	sort.Strings(out.Modules)
	return out
}

// SnapshotLoader reads access snapshots from durable storage
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, userID int64) (*AccessSnapshot, error)
}

// CacheObserver receives cache statistics
type CacheObserver interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheInvalidated(scope string)
}

// ResolverConfig configures the snapshot cache. A zero size disables caching.
type ResolverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// ResolverOption customizes a Resolver
type ResolverOption func(*Resolver)

// WithInvalidationBus broadcasts invalidations to other instances
func WithInvalidationBus(bus InvalidationBus) ResolverOption {
	return func(r *Resolver) { r.bus = bus }
}

// WithCacheObserver reports cache hits, misses and invalidations
func WithCacheObserver(obs CacheObserver) ResolverOption {
	return func(r *Resolver) { r.observer = obs }
}

// WithLogger sets the resolver's logger
func WithLogger(log *logrus.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

const snapshotCacheName = "access_snapshot"

// Resolver answers effective-access questions for users, caching snapshots
// until a write invalidates them.
type Resolver struct {
	*Evaluator

	loader     SnapshotLoader
	cache      *expirable.LRU[int64, *AccessSnapshot]
	generation atomic.Uint64
	bus        InvalidationBus
	observer   CacheObserver
	instanceID string
	log        *logrus.Logger
}

// NewResolver creates a resolver over loader
func NewResolver(evaluator *Evaluator, loader SnapshotLoader, cfg ResolverConfig, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		Evaluator:  evaluator,
		loader:     loader,
		instanceID: uuid.NewString(),
	}
	if cfg.CacheSize > 0 {
		r.cache = expirable.NewLRU[int64, *AccessSnapshot](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.New()
	}
	return r
}

// Snapshot returns the user's snapshot, from cache when possible
func (r *Resolver) Snapshot(ctx context.Context, userID int64) (*AccessSnapshot, error) {
	if r.cache != nil {
		if s, ok := r.cache.Get(userID); ok {
			r.observe(func(o CacheObserver) { o.CacheHit(snapshotCacheName) })
			return s, nil
		}
		r.observe(func(o CacheObserver) { o.CacheMiss(snapshotCacheName) })
	}

	gen := r.generation.Load()
	s, err := r.loader.LoadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	// An invalidation that raced with the load wins: don't cache what may be stale.
	if r.cache != nil && r.generation.Load() == gen {
		r.cache.Add(userID, s)
	}
	return s, nil
}

// FreshSnapshot loads the user's snapshot from the store, bypassing the cache
func (r *Resolver) FreshSnapshot(ctx context.Context, userID int64) (*AccessSnapshot, error) {
	return r.loader.LoadSnapshot(ctx, userID)
}

// Resolve returns the effective value of a permission key for a user
func (r *Resolver) Resolve(ctx context.Context, userID int64, key string) (bool, error) {
	s, err := r.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return r.Permission(s, key), nil
}

// ResolveModule returns the effective value of a module for a user
func (r *Resolver) ResolveModule(ctx context.Context, userID int64, moduleID string) (bool, error) {
	s, err := r.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return r.Module(s, moduleID), nil
}

// EffectiveAccess returns the full effective set for a user
func (r *Resolver) EffectiveAccess(ctx context.Context, userID int64) (*EffectiveAccess, error) {
	s, err := r.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.Effective(s), nil
}

// Invalidate drops the cached snapshot for a user here and on peer instances
func (r *Resolver) Invalidate(ctx context.Context, userID int64) {
	r.invalidateUser(userID)
	r.publish(ctx, InvalidationMessage{UserID: &userID})
}

// InvalidateCompany drops every cached snapshot belonging to a company
func (r *Resolver) InvalidateCompany(ctx context.Context, companyID int64) {
	r.invalidateCompany(companyID)
	r.publish(ctx, InvalidationMessage{CompanyID: &companyID})
}

// ListenForInvalidations applies invalidations published by other instances
// until ctx is done
func (r *Resolver) ListenForInvalidations(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	return r.bus.Subscribe(ctx, r.applyRemote)
}

func (r *Resolver) applyRemote(msg InvalidationMessage) {
	if msg.Origin == r.instanceID {
		return
	}
	switch {
	case msg.UserID != nil:
		r.invalidateUser(*msg.UserID)
	case msg.CompanyID != nil:
		r.invalidateCompany(*msg.CompanyID)
	}
}

func (r *Resolver) invalidateUser(userID int64) {
	r.generation.Add(1)
	if r.cache == nil {
		return
	}
	r.cache.Remove(userID)
	r.observe(func(o CacheObserver) { o.CacheInvalidated("user") })
}

func (r *Resolver) invalidateCompany(companyID int64) {
	r.generation.Add(1)
	if r.cache == nil {
		return
	}
	for _, userID := range r.cache.Keys() {
		s, ok := r.cache.Peek(userID)
		if ok && s.User.CompanyID != nil && *s.User.CompanyID == companyID {
			r.cache.Remove(userID)
		}
	}
	r.observe(func(o CacheObserver) { o.CacheInvalidated("company") })
}

func (r *Resolver) publish(ctx context.Context, msg InvalidationMessage) {
	if r.bus == nil {
		return
	}
	msg.Origin = r.instanceID
	if err := r.bus.Publish(ctx, msg); err != nil {
		// Peers fall back to the cache TTL.
		r.log.WithError(err).Warn("Failed to publish access invalidation")
	}
}

func (r *Resolver) observe(fn func(CacheObserver)) {
	if r.observer != nil {
		fn(r.observer)
	}
}
