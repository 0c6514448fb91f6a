package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/permitd/pkg/audit"
	"github.com/platinummonkey/permitd/pkg/bulk"
	"github.com/platinummonkey/permitd/pkg/rbac"
	"github.com/platinummonkey/permitd/pkg/templates"
)

// LoginLookback is the window of failed logins counted into a login event
const LoginLookback = 15 * time.Minute

// DecisionObserver receives access decisions for metrics
type DecisionObserver interface {
	DecisionObserved(kind string, allowed bool)
}

// Dependencies are the collaborators of a Service
type Dependencies struct {
	Store     rbac.Store
	Resolver  *rbac.Resolver
	Validator *rbac.Validator
	Committer templates.Committer
	Templates *templates.Engine
	Recorder  audit.Recorder
	Reader    audit.Reader
}

// Option configures a Service
type Option func(*Service)

// WithDecisionObserver reports decisions to obs
func WithDecisionObserver(obs DecisionObserver) Option {
	return func(s *Service) { s.obs = obs }
}

// WithLogger sets the service logger
func WithLogger(log *logrus.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the clock used for the login lookback
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the entry point for callers of the engine. Every method that
// takes an actor id loads the actor first; an unknown or inactive actor is
// Unauthorized.
type Service struct {
	store     rbac.Store
	resolver  *rbac.Resolver
	validator *rbac.Validator
	committer templates.Committer
	templates *templates.Engine
	recorder  audit.Recorder
	reader    audit.Reader
	obs       DecisionObserver
	log       *logrus.Logger
	now       func() time.Time
}

// NewService creates a Service
func NewService(deps Dependencies, opts ...Option) *Service {
	s := &Service{
		store:     deps.Store,
		resolver:  deps.Resolver,
		validator: deps.Validator,
		committer: deps.Committer,
		templates: deps.Templates,
		recorder:  deps.Recorder,
		reader:    deps.Reader,
		log:       logrus.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Actor loads an acting user
func (s *Service) Actor(ctx context.Context, actorID int64) (rbac.User, error) {
	u, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		if rbac.KindOf(err) == rbac.KindNotFound {
			return rbac.User{}, rbac.NewError(rbac.KindUnauthorized, fmt.Sprintf("unknown actor %d", actorID))
		}
		return rbac.User{}, rbac.WrapError(rbac.KindPersistenceFailure, err)
	}
	if !u.IsActive {
		return rbac.User{}, rbac.NewError(rbac.KindUnauthorized, fmt.Sprintf("actor %d is inactive", actorID))
	}
	return *u, nil
}

// ResolvePermission answers whether a user effectively holds a permission
func (s *Service) ResolvePermission(ctx context.Context, userID int64, key string) (bool, error) {
	allowed, err := s.resolver.Resolve(ctx, userID, key)
	if err != nil {
		return false, err
	}
	s.observe("permission", allowed)
	return allowed, nil
}

// ResolveModule answers whether a module is effectively enabled for a user
func (s *Service) ResolveModule(ctx context.Context, userID int64, moduleID string) (bool, error) {
	allowed, err := s.resolver.ResolveModule(ctx, userID, moduleID)
	if err != nil {
		return false, err
	}
	s.observe("module", allowed)
	return allowed, nil
}

// EffectiveAccess returns the full effective access of a user
func (s *Service) EffectiveAccess(ctx context.Context, userID int64) (*rbac.EffectiveAccess, error) {
	return s.resolver.EffectiveAccess(ctx, userID)
}

// CanView reports whether actor may read the access of target. Users see
// themselves, admins their company and super-admins everyone. Admins asking
// about a user that does not exist get the same answer as for a user of
// another company.
func (s *Service) CanView(ctx context.Context, actor rbac.User, targetID int64) error {
	if actor.ID == targetID {
		return nil
	}
	if actor.Role.Authority() < rbac.RoleAdmin.Authority() {
		return rbac.NewError(rbac.KindUnauthorized, "")
	}
	target, err := s.store.GetUser(ctx, targetID)
	if err != nil {
		if rbac.KindOf(err) == rbac.KindNotFound {
			return s.unknownTarget(actor, targetID)
		}
		return rbac.WrapError(rbac.KindPersistenceFailure, err)
	}
	if actor.Role != rbac.RoleSuperAdmin && !actor.SameCompany(target.CompanyID) {
		return rbac.NewError(rbac.KindCrossTenant, "")
	}
	return nil
}

// ValidateChange checks a single proposed change without applying it.
// Denials are returned in the result and recorded as access_denied events;
// the error is reserved for failures to reach the store.
func (s *Service) ValidateChange(ctx context.Context, actorID, targetID int64, change rbac.Change) (rbac.ValidationResult, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		if rbac.KindOf(err) != rbac.KindUnauthorized {
			return rbac.ValidationResult{}, err
		}
		return s.deny(ctx, rbac.User{ID: actorID}, targetID, nil, change, rbac.KindUnauthorized), nil
	}
	if actor.Role.Authority() < rbac.RoleAdmin.Authority() {
		return s.deny(ctx, actor, targetID, actor.CompanyID, change, rbac.KindUnauthorized), nil
	}

	snap, err := s.resolver.Snapshot(ctx, targetID)
	if err != nil {
		if rbac.KindOf(err) != rbac.KindNotFound {
			return rbac.ValidationResult{}, err
		}
		kind := rbac.KindCrossTenant
		if actor.Role == rbac.RoleSuperAdmin {
			kind = rbac.KindNotFound
		}
		return s.deny(ctx, actor, targetID, actor.CompanyID, change, kind), nil
	}

	result := s.validator.Validate(actor, snap, change)
	s.observe("change", result.Allowed)
	if !result.Allowed {
		event := audit.DenialEvent(ctx, actor, &targetID, snap.User.CompanyID, &change, result.Kind)
		s.recorder.Record(ctx, event)
	}
	return result, nil
}

func (s *Service) deny(ctx context.Context, actor rbac.User, targetID int64, companyID *int64, change rbac.Change, kind rbac.Kind) rbac.ValidationResult {
	s.observe("change", false)
	s.recorder.Record(ctx, audit.DenialEvent(ctx, actor, &targetID, companyID, &change, kind))
	return rbac.ValidationResult{Kind: kind, Errors: []string{kind.Message()}, Warnings: []string{}}
}

// CommitChanges applies pending changes as given. Changes that would not
// alter anything are still audited, as no-ops.
func (s *Service) CommitChanges(ctx context.Context, actorID int64, changes []rbac.PendingChange) ([]bulk.UserResult, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(changes))
	for _, p := range changes {
		slot := fmt.Sprintf("%d/%s", p.TargetUserID, p.Change.Subject())
		if seen[slot] {
			return nil, rbac.NewError(rbac.KindInvalidChange, "more than one change to "+slot)
		}
		seen[slot] = true
	}
	return s.commit(ctx, actor, changes)
}

// CommitEdits applies a sequence of edits made in an editing session. The
// edits are folded through a ChangeSet first, so repeated edits to one
// subject collapse to the last desired value and edits that return to the
// baseline drop out without being audited.
func (s *Service) CommitEdits(ctx context.Context, actorID int64, edits []rbac.PendingChange) ([]bulk.UserResult, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	cs := bulk.NewChangeSet()
	for _, e := range edits {
		cs.Stage(e.TargetUserID, e.Change, e.Baseline)
	}
	return s.commit(ctx, actor, cs.Pending())
}

func (s *Service) commit(ctx context.Context, actor rbac.User, pending []rbac.PendingChange) ([]bulk.UserResult, error) {
	if len(pending) == 0 {
		return []bulk.UserResult{}, nil
	}
	results, err := s.committer.Commit(ctx, actor, pending)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		s.observe("commit", r.OK())
	}
	return results, nil
}

// ApplyTemplate applies a template to a target user
func (s *Service) ApplyTemplate(ctx context.Context, templateID string, targetID, actorID int64) (*bulk.UserResult, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	res, err := s.templates.Apply(ctx, templateID, targetID, actor)
	if err != nil {
		return nil, err
	}
	s.observe("template", res.OK())
	return res, nil
}

// ListTemplates returns the templates visible to the actor
func (s *Service) ListTemplates(ctx context.Context, actorID int64) ([]*templates.Template, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.templates.List(ctx, actor)
}

// GetTemplate returns one template visible to the actor
func (s *Service) GetTemplate(ctx context.Context, actorID int64, id string) (*templates.Template, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.templates.Get(ctx, actor, id)
}

// CreateTemplate creates a custom template
func (s *Service) CreateTemplate(ctx context.Context, actorID int64, in templates.Input) (*templates.Template, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.templates.Create(ctx, actor, in)
}

// UpdateTemplate replaces a custom template
func (s *Service) UpdateTemplate(ctx context.Context, actorID int64, id string, in templates.Input) (*templates.Template, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.templates.Update(ctx, actor, id, in)
}

// DeleteTemplate removes a custom template
func (s *Service) DeleteTemplate(ctx context.Context, actorID int64, id string) error {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return err
	}
	return s.templates.Delete(ctx, actor, id)
}

// SetCompanyModule turns a company's gate for a module on or off. Only
// super-admins manage company gates.
func (s *Service) SetCompanyModule(ctx context.Context, actorID, companyID int64, moduleID string, enabled bool) (*rbac.CompanyModuleGrant, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role != rbac.RoleSuperAdmin {
		kind := rbac.KindInsufficientAuthority
		if actor.Role.Authority() < rbac.RoleAdmin.Authority() {
			kind = rbac.KindUnauthorized
		}
		event := audit.DenialEvent(ctx, actor, nil, &companyID, nil, kind)
		event.ResourceType, event.ResourceID = audit.ResourceTypeCompanyModule, moduleID
		s.recorder.Record(ctx, event)
		s.observe("company_module", false)
		return nil, rbac.NewError(kind, "company modules are managed by super-admins")
	}

	if _, ok := s.resolver.Catalog().Module(moduleID); !ok {
		return nil, rbac.NewError(rbac.KindInvalidChange, fmt.Sprintf("unknown module %q", moduleID))
	}
	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		if rbac.KindOf(err) == rbac.KindNotFound {
			return nil, rbac.NewError(rbac.KindNotFound, fmt.Sprintf("company %d", companyID))
		}
		return nil, rbac.WrapError(rbac.KindPersistenceFailure, err)
	}

	grants, err := s.store.ListCompanyModules(ctx, companyID)
	if err != nil {
		return nil, rbac.WrapError(rbac.KindPersistenceFailure, err)
	}
	before := false
	for _, g := range grants {
		if g.ModuleID == moduleID {
			before = g.IsEnabled
			break
		}
	}

	grant := &rbac.CompanyModuleGrant{
		CompanyID: companyID,
		ModuleID:  moduleID,
		IsEnabled: enabled,
		UpdatedBy: rbac.Int64Ptr(actor.ID),
	}
	if err := s.store.SetCompanyModule(ctx, grant); err != nil {
		return nil, rbac.WrapError(rbac.KindPersistenceFailure, err)
	}
	s.resolver.InvalidateCompany(ctx, companyID)
	s.recorder.Record(ctx, audit.CompanyModuleEvent(ctx, actor, companyID, moduleID, before, enabled))
	s.observe("company_module", true)

	s.log.WithFields(logrus.Fields{
		"actor_id":   actor.ID,
		"company_id": companyID,
		"module_id":  moduleID,
		"enabled":    enabled,
	}).Info("Updated company module")
	return grant, nil
}

// RecordLogin records a login attempt reported by the authenticating
// gateway. Failed attempts in the lookback window raise the event's risk.
func (s *Service) RecordLogin(ctx context.Context, userID int64, success bool) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if rbac.KindOf(err) == rbac.KindNotFound {
			return rbac.NewError(rbac.KindNotFound, fmt.Sprintf("user %d", userID))
		}
		return rbac.WrapError(rbac.KindPersistenceFailure, err)
	}

	since := s.now().UTC().Add(-LoginLookback)
	recent, err := s.reader.Search(ctx, audit.SearchFilter{
		StartTime:  &since,
		ActorID:    &userID,
		EventTypes: []audit.EventType{audit.EventTypeLoginFailed},
	})
	if err != nil {
		// Scoring without history still records the attempt.
		s.log.WithError(err).WithField("user_id", userID).Warn("Failed to count recent failed logins")
		recent = nil
	}

	s.recorder.Record(ctx, audit.LoginEvent(ctx, *u, success, len(recent)))
	return nil
}

// ListAuditEvents searches the audit trail. Admins only see their own
// company; users may not search at all.
func (s *Service) ListAuditEvents(ctx context.Context, actorID int64, filter audit.SearchFilter) ([]*audit.AuditEvent, error) {
	actor, err := s.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case rbac.RoleSuperAdmin:
	case rbac.RoleAdmin:
		if actor.CompanyID == nil {
			return nil, rbac.NewError(rbac.KindUnauthorized, "admin without a company")
		}
		filter.CompanyID = rbac.Int64Ptr(*actor.CompanyID)
	default:
		return nil, rbac.NewError(rbac.KindUnauthorized, "")
	}

	if err := filter.Validate(); err != nil {
		return nil, rbac.NewError(rbac.KindInvalidChange, err.Error())
	}
	events, err := s.reader.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	return events, nil
}

// ExportAuditEvents renders the events ListAuditEvents would return
func (s *Service) ExportAuditEvents(ctx context.Context, actorID int64, filter audit.SearchFilter, format audit.ExportFormat) ([]byte, error) {
	events, err := s.ListAuditEvents(ctx, actorID, filter)
	if err != nil {
		return nil, err
	}
	return audit.Export(events, format)
}

func (s *Service) unknownTarget(actor rbac.User, targetID int64) error {
	if actor.Role == rbac.RoleSuperAdmin {
		return rbac.NewError(rbac.KindNotFound, fmt.Sprintf("user %d", targetID))
	}
	return rbac.NewError(rbac.KindCrossTenant, "")
}

func (s *Service) observe(kind string, allowed bool) {
	if s.obs != nil {
		s.obs.DecisionObserved(kind, allowed)
	}
}

