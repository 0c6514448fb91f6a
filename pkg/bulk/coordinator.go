package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/permitd/pkg/audit"
	"github.com/platinummonkey/permitd/pkg/observability"
	"github.com/platinummonkey/permitd/pkg/rbac"
)

var tracer = observability.Tracer("bulk")

// ErrValidationFailed marks a group rejected because at least one of its
// changes failed validation. Nothing in the group was persisted.
var ErrValidationFailed = errors.New("bulk.validation_failed")

// Status is the outcome of one target user's group
type Status string

const (
	StatusApplied          Status = "applied"
	StatusValidationFailed Status = "validation_failed"
	StatusConflict         Status = "conflict"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// RejectedChange identifies a change that failed validation
type RejectedChange struct {
	Change rbac.Change `json:"change"`
	Kind   rbac.Kind   `json:"kind"`
	Errors []string    `json:"errors"`
}

// UserResult reports what happened to one target user's changes. A group is
// all-or-nothing: either every change in Applied and NoOps took effect or
// none did.
type UserResult struct {
	TargetUserID int64            `json:"target_user_id"`
	Status       Status           `json:"status"`
	Kind         rbac.Kind        `json:"kind,omitempty"`
	Err          error            `json:"-"`
	Message      string           `json:"message,omitempty"`
	Applied      []rbac.Change    `json:"applied"`
	NoOps        []rbac.Change    `json:"no_ops"`
	Rejected     []RejectedChange `json:"rejected,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Version      int64            `json:"version,omitempty"`
}

// OK reports whether the group was applied
func (r UserResult) OK() bool {
	return r.Status == StatusApplied
}

// Config tunes commits
type Config struct {
	MaxAttempts int           // attempts for a write that hits a persistence failure
	Backoff     time.Duration // linear backoff step between attempts
	Concurrency int           // groups processed in parallel
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Backoff: 100 * time.Millisecond, Concurrency: 8}
}

// Observer receives commit outcomes for metrics
type Observer interface {
	GroupCompleted(status string)
	CommitObserved(duration time.Duration, groups int)
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithObserver reports outcomes to obs
func WithObserver(obs Observer) Option {
	return func(c *Coordinator) { c.obs = obs }
}

// WithLogger sets the coordinator's logger
func WithLogger(log *logrus.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// CommitOption tunes a single commit
type CommitOption func(*commitOptions)

type commitOptions struct {
	source string
}

// WithSource tags every audit event of the commit with the template that
// produced the changes
func WithSource(templateID string) CommitOption {
	return func(o *commitOptions) { o.source = templateID }
}

// Coordinator commits batches of pending changes. Changes are grouped by
// target user; each group is re-validated against fresh state and written in
// one transaction. Groups succeed or fail independently.
type Coordinator struct {
	store     rbac.Store
	resolver  *rbac.Resolver
	validator *rbac.Validator
	recorder  audit.Recorder
	cfg       Config
	log       *logrus.Logger
	obs       Observer
}

// NewCoordinator creates a coordinator
func NewCoordinator(store rbac.Store, resolver *rbac.Resolver, validator *rbac.Validator, recorder audit.Recorder, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	c := &Coordinator{
		store:     store,
		resolver:  resolver,
		validator: validator,
		recorder:  recorder,
		cfg:       cfg,
		log:       logrus.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit applies changes on behalf of actor. It returns ctx.Err() without
// touching anything when ctx is already done; otherwise it returns one
// result per target user, sorted by target id.
func (c *Coordinator) Commit(ctx context.Context, actor rbac.User, changes []rbac.PendingChange, opts ...CommitOption) ([]UserResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var o commitOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "Commit",
		trace.WithAttributes(
			attribute.Int64("actor_id", actor.ID),
			attribute.Int("changes", len(changes)),
			attribute.String("source", o.source),
		),
	)
	defer span.End()

	groups := make(map[int64][]rbac.PendingChange)
	for _, p := range changes {
		groups[p.TargetUserID] = append(groups[p.TargetUserID], p)
	}
	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]UserResult, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = c.commitGroup(ctx, actor, id, groups[id], o)
			return nil
		})
	}
	_ = g.Wait()

	applied := 0
	for _, r := range results {
		if r.OK() {
			applied++
		}
		if c.obs != nil {
			c.obs.GroupCompleted(string(r.Status))
		}
	}
	if c.obs != nil {
		c.obs.CommitObserved(time.Since(start), len(results))
	}
	span.SetAttributes(attribute.Int("groups", len(results)), attribute.Int("groups_applied", applied))
	if applied == len(results) {
		span.SetStatus(codes.Ok, fmt.Sprintf("applied %d groups", applied))
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d groups not applied", len(results)-applied, len(results)))
	}
	return results, nil
}

func (c *Coordinator) commitGroup(ctx context.Context, actor rbac.User, userID int64, pending []rbac.PendingChange, o commitOptions) UserResult {
	ctx, span := tracer.Start(ctx, "CommitGroup",
		trace.WithAttributes(
			attribute.Int64("target_user_id", userID),
			attribute.Int("changes", len(pending)),
		),
	)
	defer span.End()

	res := c.processGroup(ctx, actor, userID, pending, o)
	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Status))
	} else {
		span.SetStatus(codes.Ok, string(res.Status))
	}
	return res
}

func (c *Coordinator) processGroup(ctx context.Context, actor rbac.User, userID int64, pending []rbac.PendingChange, o commitOptions) UserResult {
	res := UserResult{TargetUserID: userID, Applied: []rbac.Change{}, NoOps: []rbac.Change{}}
	logger := c.log.WithFields(logrus.Fields{
		"actor_id":       actor.ID,
		"target_user_id": userID,
	})

	if err := ctx.Err(); err != nil {
		return c.fail(res, StatusCancelled, "", err)
	}

	// Actors without admin authority are refused before the target is read,
	// so the answer never depends on whether the target exists.
	if !actor.IsActive || actor.Role.Authority() < rbac.RoleAdmin.Authority() {
		return c.rejectGroup(ctx, res, actor, userID, pending, rbac.KindUnauthorized, o)
	}

	snap, err := c.store.LoadSnapshot(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return c.fail(res, StatusCancelled, "", ctx.Err())
		}
		if rbac.KindOf(err) != rbac.KindNotFound {
			return c.fail(res, StatusFailed, rbac.KindPersistenceFailure, rbac.WrapError(rbac.KindPersistenceFailure, err))
		}
		// Only super-admins learn that a user does not exist.
		kind := rbac.KindCrossTenant
		if actor.Role == rbac.RoleSuperAdmin {
			kind = rbac.KindNotFound
		}
		return c.rejectGroup(ctx, res, actor, userID, pending, kind, o)
	}

	// Re-validate against fresh state; any denial rejects the whole group.
	noOp := make([]bool, len(pending))
	for i, p := range pending {
		vr := c.validator.Validate(actor, snap, p.Change)
		if !vr.Allowed {
			res.Rejected = append(res.Rejected, RejectedChange{Change: p.Change, Kind: vr.Kind, Errors: vr.Errors})
			continue
		}
		noOp[i] = vr.NoOp
		res.Warnings = appendUnique(res.Warnings, vr.Warnings...)
	}
	if len(res.Rejected) == 0 {
		res.Rejected = mixedCompanyMove(pending)
	}
	if len(res.Rejected) > 0 {
		c.recordDenials(ctx, actor, &userID, snap.User.CompanyID, res.Rejected, o)
		kind := res.Rejected[0].Kind
		logger.WithFields(logrus.Fields{
			"kind":     kind,
			"rejected": len(res.Rejected),
		}).Warn("Rejected access changes")
		return c.fail(res, StatusValidationFailed, kind, fmt.Errorf("%w: %w", ErrValidationFailed, rbac.NewError(kind, describeRejected(res.Rejected))))
	}

	// Stale baselines mean someone else changed the user since the caller looked.
	current := make([]string, len(pending))
	for i, p := range pending {
		current[i] = c.resolver.CurrentValue(snap, p.Change)
		if current[i] != p.Baseline {
			err := rbac.NewError(rbac.KindConcurrentModification,
				fmt.Sprintf("%s is %q, expected %q", p.Change.Subject(), current[i], p.Baseline))
			return c.fail(res, StatusConflict, rbac.KindConcurrentModification, err)
		}
	}

	var writes []rbac.Change
	for i, p := range pending {
		if noOp[i] {
			res.NoOps = append(res.NoOps, p.Change)
		} else {
			writes = append(writes, p.Change)
		}
	}

	if err := ctx.Err(); err != nil {
		return c.fail(res, StatusCancelled, "", err)
	}

	// Once the write starts it runs to completion regardless of the caller.
	writeCtx := context.WithoutCancel(ctx)
	res.Version = snap.User.AccessVersion
	if len(writes) > 0 {
		version, err := c.persist(writeCtx, actor, userID, snap.User.AccessVersion, writes)
		if err != nil {
			status := StatusFailed
			if rbac.KindOf(err) == rbac.KindConcurrentModification {
				status = StatusConflict
			}
			logger.WithError(err).Warn("Failed to persist access changes")
			return c.fail(res, status, rbac.KindOf(err), err)
		}
		res.Version = version
		res.Applied = writes
		c.resolver.Invalidate(writeCtx, userID)
	}

	res.Status = StatusApplied
	for i, p := range pending {
		event := audit.ChangeEvent(writeCtx, actor, snap.User, p.Change, current[i])
		if noOp[i] {
			event.With(audit.MetaNoOp, true)
			event.Message += " (no effect)"
		}
		c.tag(event, p.Change, o)
		c.recorder.Record(writeCtx, event)
	}

	logger.WithFields(logrus.Fields{
		"applied": len(res.Applied),
		"no_ops":  len(res.NoOps),
		"version": res.Version,
	}).Info("Committed access changes")
	return res
}

// mixedCompanyMove rejects the permission and module changes of a group that
// also moves the user to another company. The move clears every grant, so
// they would be written and erased in the same transaction.
func mixedCompanyMove(pending []rbac.PendingChange) []RejectedChange {
	moves := false
	for _, p := range pending {
		if p.Change.Type == rbac.ChangeCompany {
			moves = true
		}
	}
	if !moves {
		return nil
	}
	var out []RejectedChange
	for _, p := range pending {
		if p.Change.IsPermission() || p.Change.IsModule() {
			out = append(out, RejectedChange{
				Change: p.Change,
				Kind:   rbac.KindInvalidChange,
				Errors: []string{"cannot be combined with a company change for the same user"},
			})
		}
	}
	return out
}

// rejectGroup denies every pending change with kind without consulting the
// target's state.
func (c *Coordinator) rejectGroup(ctx context.Context, res UserResult, actor rbac.User, userID int64, pending []rbac.PendingChange, kind rbac.Kind, o commitOptions) UserResult {
	for _, p := range pending {
		res.Rejected = append(res.Rejected, RejectedChange{Change: p.Change, Kind: kind, Errors: []string{kind.Message()}})
	}
	c.recordDenials(ctx, actor, &userID, actor.CompanyID, res.Rejected, o)
	c.log.WithFields(logrus.Fields{
		"actor_id":       actor.ID,
		"target_user_id": userID,
		"kind":           kind,
	}).Warn("Rejected access changes")
	return c.fail(res, StatusValidationFailed, kind, fmt.Errorf("%w: %w", ErrValidationFailed, rbac.NewError(kind, "")))
}

// persist writes with bounded retries on persistence failures. Each retry
// re-reads the user's version: if it moved, the outcome of the failed attempt
// is unknown or another writer got there first, and both are conflicts.
func (c *Coordinator) persist(ctx context.Context, actor rbac.User, userID, version int64, writes []rbac.Change) (int64, error) {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(c.cfg.Backoff * time.Duration(attempt-1))
			u, gerr := c.store.GetUser(ctx, userID)
			if gerr == nil && u.AccessVersion != version {
				return 0, rbac.NewError(rbac.KindConcurrentModification,
					fmt.Sprintf("user %d moved to version %d during retry", userID, u.AccessVersion))
			}
		}

		var newVersion int64
		newVersion, err = c.store.ApplyUserChanges(ctx, userID, version, actor.ID, writes)
		if err == nil {
			return newVersion, nil
		}
		if rbac.KindOf(err) != rbac.KindPersistenceFailure {
			return 0, err
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"target_user_id": userID,
			"attempt":        attempt,
		}).Warn("Retrying access change write")
	}
	return 0, err
}

func (c *Coordinator) fail(res UserResult, status Status, kind rbac.Kind, err error) UserResult {
	res.Status = status
	res.Kind = kind
	res.Err = err
	if kind != "" {
		res.Message = kind.Message()
	} else {
		res.Message = err.Error()
	}
	res.Applied = []rbac.Change{}
	res.NoOps = []rbac.Change{}
	return res
}

func (c *Coordinator) recordDenials(ctx context.Context, actor rbac.User, targetID, companyID *int64, rejected []RejectedChange, o commitOptions) {
	for _, r := range rejected {
		change := r.Change
		event := audit.DenialEvent(ctx, actor, targetID, companyID, &change, r.Kind)
		c.tag(event, change, o)
		c.recorder.Record(ctx, event)
	}
}

func (c *Coordinator) tag(event *audit.AuditEvent, change rbac.Change, o commitOptions) {
	if tier := tierOf(c.resolver.Catalog(), change); tier != "" {
		event.With(audit.MetaTier, string(tier))
	}
	if o.source != "" {
		event.With(audit.MetaTemplateID, o.source)
	}
}

func tierOf(catalog *rbac.Catalog, change rbac.Change) rbac.Tier {
	switch {
	case change.IsPermission():
		if p, ok := catalog.Permission(change.Key); ok {
			return p.Tier
		}
	case change.IsModule():
		if m, ok := catalog.Module(change.Key); ok {
			return m.Tier
		}
	}
	return ""
}

func describeRejected(rejected []RejectedChange) string {
	parts := make([]string, len(rejected))
	for i, r := range rejected {
		parts[i] = fmt.Sprintf("%s: %s", r.Change, r.Kind)
	}
	return strings.Join(parts, ", ")
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
