package templates

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/permitd/pkg/audit"
	"github.com/platinummonkey/permitd/pkg/bulk"
	"github.com/platinummonkey/permitd/pkg/rbac"
)

// WarnRoleMismatch is attached to a result when the target's role differs
// from the template's target role
const WarnRoleMismatch = "template targets a different role"

// Committer commits access changes on behalf of an actor
type Committer interface {
	Commit(ctx context.Context, actor rbac.User, changes []rbac.PendingChange, opts ...bulk.CommitOption) ([]bulk.UserResult, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// Engine applies templates through the normal commit pipeline and manages
// custom templates
type Engine struct {
	store     Store
	resolver  *rbac.Resolver
	committer Committer
	recorder  audit.Recorder
	system    map[string]Template
	order     []string
	log       *logrus.Logger
}

// NewEngine creates a template engine. System templates are derived from
// the resolver's catalog and defaults.
func NewEngine(store Store, resolver *rbac.Resolver, committer Committer, recorder audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		resolver:  resolver,
		committer: committer,
		recorder:  recorder,
		system:    make(map[string]Template),
		log:       logrus.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, tpl := range SystemTemplates(resolver.Catalog(), resolver.Defaults()) {
		e.system[tpl.ID] = tpl
		e.order = append(e.order, tpl.ID)
	}
	return e
}

// Apply grants every permission and enables every module of a template on a
// target user. The changes go through the same validation and commit path as
// a manual edit, so re-applying a template yields only audited no-ops.
func (e *Engine) Apply(ctx context.Context, templateID string, targetID int64, actor rbac.User) (*bulk.UserResult, error) {
	tpl, err := e.Get(ctx, actor, templateID)
	if err != nil {
		return nil, err
	}

	snap, err := e.resolver.FreshSnapshot(ctx, targetID)
	if err != nil && rbac.KindOf(err) != rbac.KindNotFound {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}

	changes := tpl.Changes()
	pending := make([]rbac.PendingChange, len(changes))
	for i, c := range changes {
		baseline := "false"
		if snap != nil {
			baseline = e.resolver.CurrentValue(snap, c)
		}
		pending[i] = rbac.PendingChange{TargetUserID: targetID, Change: c, Baseline: baseline}
	}

	// Custom templates only apply inside their own company. An unknown target
	// is left to the coordinator, which reports it without disclosure.
	if snap != nil && !tpl.IsSystem && !sameCompany(tpl.CompanyID, snap.User.CompanyID) {
		e.recordDenial(ctx, actor, targetID, snap.User.CompanyID, tpl.ID)
		return nil, rbac.NewError(rbac.KindCrossTenant, fmt.Sprintf("template %s belongs to another company", tpl.ID))
	}

	if len(pending) == 0 {
		res := bulk.UserResult{TargetUserID: targetID, Status: bulk.StatusApplied, Applied: []rbac.Change{}, NoOps: []rbac.Change{}}
		if snap != nil {
			res.Version = snap.User.AccessVersion
		}
		return &res, nil
	}

	results, err := e.committer.Commit(ctx, actor, pending, bulk.WithSource(tpl.ID))
	if err != nil {
		return nil, err
	}
	res := results[0]
	if res.OK() && snap != nil && snap.User.Role != tpl.TargetRole {
		res.Warnings = append(res.Warnings, WarnRoleMismatch)
	}

	e.log.WithFields(logrus.Fields{
		"template_id":    tpl.ID,
		"target_user_id": targetID,
		"actor_id":       actor.ID,
		"status":         res.Status,
	}).Info("Applied template")
	return &res, nil
}

// Get returns a template visible to actor. System templates are visible to
// everyone allowed to manage access; custom templates to their company and
// to super-admins.
func (e *Engine) Get(ctx context.Context, actor rbac.User, id string) (*Template, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	if tpl, ok := e.system[id]; ok {
		return clone(&tpl), nil
	}
	if strings.HasPrefix(id, SystemPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	tpl, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != rbac.RoleSuperAdmin && !actor.SameCompany(tpl.CompanyID) {
		return nil, rbac.NewError(rbac.KindCrossTenant, fmt.Sprintf("template %s", id))
	}
	return tpl, nil
}

// List returns the system templates followed by the custom templates the
// actor can see
func (e *Engine) List(ctx context.Context, actor rbac.User) ([]*Template, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(e.order))
	for _, id := range e.order {
		tpl := e.system[id]
		out = append(out, clone(&tpl))
	}

	var companyID *int64
	if actor.Role != rbac.RoleSuperAdmin {
		companyID = actor.CompanyID
	}
	custom, err := e.store.List(ctx, companyID)
	if err != nil {
		return nil, err
	}
	return append(out, custom...), nil
}

// Create stores a new custom template authored by actor
func (e *Engine) Create(ctx context.Context, actor rbac.User, in Input) (*Template, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}

	companyID := actor.CompanyID
	if actor.Role == rbac.RoleSuperAdmin {
		companyID = in.CompanyID
	}
	if companyID == nil {
		return nil, rbac.NewError(rbac.KindInvalidChange, "template requires a company")
	}

	tpl := &Template{
		ID:        CustomPrefix + uuid.NewString(),
		CompanyID: rbac.Int64Ptr(*companyID),
		AuthorID:  rbac.Int64Ptr(actor.ID),
	}
	if err := e.fill(actor, tpl, in); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, tpl); err != nil {
		return nil, err
	}

	e.recorder.Record(ctx, audit.TemplateEvent(ctx, actor, audit.EventTypeTemplateCreated, tpl.ID, tpl.CompanyID, nil, tpl.auditView()))
	e.log.WithFields(logrus.Fields{"template_id": tpl.ID, "actor_id": actor.ID}).Info("Created template")
	return tpl, nil
}

// Update replaces the contents of a custom template. Only its author or a
// super-admin may do so.
func (e *Engine) Update(ctx context.Context, actor rbac.User, id string, in Input) (*Template, error) {
	tpl, err := e.mutable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	before := tpl.auditView()
	if err := e.fill(actor, tpl, in); err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, tpl); err != nil {
		return nil, err
	}

	e.recorder.Record(ctx, audit.TemplateEvent(ctx, actor, audit.EventTypeTemplateUpdated, tpl.ID, tpl.CompanyID, before, tpl.auditView()))
	e.log.WithFields(logrus.Fields{"template_id": tpl.ID, "actor_id": actor.ID}).Info("Updated template")
	return tpl, nil
}

// Delete removes a custom template. Access already granted through it stays.
func (e *Engine) Delete(ctx context.Context, actor rbac.User, id string) error {
	tpl, err := e.mutable(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}

	e.recorder.Record(ctx, audit.TemplateEvent(ctx, actor, audit.EventTypeTemplateDeleted, tpl.ID, tpl.CompanyID, tpl.auditView(), nil))
	e.log.WithFields(logrus.Fields{"template_id": tpl.ID, "actor_id": actor.ID}).Info("Deleted template")
	return nil
}

func (e *Engine) mutable(ctx context.Context, actor rbac.User, id string) (*Template, error) {
	if _, ok := e.system[id]; ok || strings.HasPrefix(id, SystemPrefix) {
		if err := requireManager(actor); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrSystemTemplate, id)
	}
	tpl, err := e.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != rbac.RoleSuperAdmin && (tpl.AuthorID == nil || *tpl.AuthorID != actor.ID) {
		return nil, rbac.NewError(rbac.KindInsufficientAuthority, fmt.Sprintf("only the author may change template %s", id))
	}
	return tpl, nil
}

// fill validates in against the catalog and the actor's authority and copies
// it onto tpl
func (e *Engine) fill(actor rbac.User, tpl *Template, in Input) error {
	catalog := e.resolver.Catalog()
	name := strings.TrimSpace(in.Name)

	var problems []string
	if name == "" {
		problems = append(problems, "name is required")
	}
	if !in.TargetRole.Valid() {
		problems = append(problems, fmt.Sprintf("unknown target role %q", in.TargetRole))
	}
	if len(in.Permissions)+len(in.Modules) == 0 {
		problems = append(problems, "template grants nothing")
	}

	superTier := false
	for _, key := range in.Permissions {
		p, ok := catalog.Permission(key)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown permission %q", key))
			continue
		}
		superTier = superTier || p.Tier == rbac.TierSuper
	}
	for _, id := range in.Modules {
		m, ok := catalog.Module(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown module %q", id))
			continue
		}
		superTier = superTier || m.Tier == rbac.TierSuper
	}
	if len(problems) > 0 {
		return rbac.NewError(rbac.KindInvalidChange, strings.Join(problems, "; "))
	}

	if actor.Role != rbac.RoleSuperAdmin {
		if superTier {
			return rbac.NewError(rbac.KindInsufficientAuthority, "super-tier entries require a super-admin")
		}
		if in.TargetRole.Authority() > actor.Role.Authority() {
			return rbac.NewError(rbac.KindInsufficientAuthority, fmt.Sprintf("cannot target role %s", in.TargetRole))
		}
	}

	tpl.Name = name
	tpl.Description = strings.TrimSpace(in.Description)
	tpl.TargetRole = in.TargetRole
	tpl.Permissions = dedupe(in.Permissions)
	tpl.Modules = dedupe(in.Modules)
	return nil
}

func (e *Engine) recordDenial(ctx context.Context, actor rbac.User, targetID int64, companyID *int64, templateID string) {
	event := audit.DenialEvent(ctx, actor, &targetID, companyID, nil, rbac.KindCrossTenant)
	event.With(audit.MetaTemplateID, templateID)
	e.recorder.Record(ctx, event)
}

func requireManager(actor rbac.User) error {
	if !actor.IsActive || actor.Role.Authority() < rbac.RoleAdmin.Authority() {
		return rbac.NewError(rbac.KindUnauthorized, "")
	}
	return nil
}

func sameCompany(a, b *int64) bool {
	return a != nil && b != nil && *a == *b
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

func clone(t *Template) *Template {
	c := *t
	c.Permissions = append([]string(nil), t.Permissions...)
	c.Modules = append([]string(nil), t.Modules...)
	return &c
}
