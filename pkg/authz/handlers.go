package authz

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/permitd/pkg/audit"
	"github.com/platinummonkey/permitd/pkg/bulk"
	"github.com/platinummonkey/permitd/pkg/httputil"
	"github.com/platinummonkey/permitd/pkg/observability"
	"github.com/platinummonkey/permitd/pkg/rbac"
	"github.com/platinummonkey/permitd/pkg/templates"
)

// Handlers exposes a Service over HTTP
type Handlers struct {
	svc   *Service
	log   *logrus.Logger
	limit func(http.Handler) http.Handler
}

// HandlerOption configures Handlers
type HandlerOption func(*Handlers)

// WithRequestLimit runs limit on every route once the actor is known
func WithRequestLimit(limit func(http.Handler) http.Handler) HandlerOption {
	return func(h *Handlers) { h.limit = limit }
}

// NewHandlers creates a new Handlers
func NewHandlers(svc *Service, log *logrus.Logger, opts ...HandlerOption) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	h := &Handlers{svc: svc, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) limited(next http.Handler) http.Handler {
	if h.limit == nil {
		return next
	}
	return h.limit(next)
}

// RegisterRoutes registers the v1 API on router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()

	// Reported by the authenticating gateway, which has no actor of its own.
	v1.Handle("/logins", h.limited(http.HandlerFunc(h.RecordLogin))).Methods("POST")

	api := v1.NewRoute().Subrouter()
	api.Use(h.ActorMiddleware, h.limited)

	api.HandleFunc("/users/{id}/permissions/{key}", h.ResolvePermission).Methods("GET")
	api.HandleFunc("/users/{id}/modules/{module}", h.ResolveModule).Methods("GET")
	api.HandleFunc("/users/{id}/access", h.EffectiveAccess).Methods("GET")

	api.HandleFunc("/validate", h.ValidateChange).Methods("POST")
	api.HandleFunc("/changes", h.CommitChanges).Methods("POST")

	api.HandleFunc("/templates", h.ListTemplates).Methods("GET")
	api.HandleFunc("/templates", h.CreateTemplate).Methods("POST")
	api.HandleFunc("/templates/{id}", h.GetTemplate).Methods("GET")
	api.HandleFunc("/templates/{id}", h.UpdateTemplate).Methods("PUT")
	api.HandleFunc("/templates/{id}", h.DeleteTemplate).Methods("DELETE")
	api.HandleFunc("/templates/{id}/apply", h.ApplyTemplate).Methods("POST")

	api.HandleFunc("/companies/{id}/modules/{module}", h.SetCompanyModule).Methods("PUT")

	auditRoutes := api.PathPrefix("/audit").Subrouter()
	auditRoutes.Use(h.RequirePermission(rbac.PermAuditView))
	auditRoutes.HandleFunc("/events", h.ListAuditEvents).Methods("GET")
	auditRoutes.Handle("/export", h.RequireModule(rbac.ModuleReports)(http.HandlerFunc(h.ExportAuditEvents))).Methods("GET")
}

// ValidateRequest is the body of POST /v1/validate
type ValidateRequest struct {
	TargetUserID int64       `json:"target_user_id"`
	Change       rbac.Change `json:"change"`
}

// CommitRequest is the body of POST /v1/changes. With Collapse set, Changes
// is read as an ordered edit history and folded before committing.
type CommitRequest struct {
	Changes  []rbac.PendingChange `json:"changes"`
	Collapse bool                 `json:"collapse,omitempty"`
}

// CommitResponse reports one result per target user
type CommitResponse struct {
	Results []bulk.UserResult `json:"results"`
}

// ApplyTemplateRequest is the body of POST /v1/templates/{id}/apply
type ApplyTemplateRequest struct {
	TargetUserID int64 `json:"target_user_id"`
}

// CompanyModuleRequest is the body of PUT /v1/companies/{id}/modules/{module}
type CompanyModuleRequest struct {
	Enabled bool `json:"enabled"`
}

// LoginRequest is the body of POST /v1/logins
type LoginRequest struct {
	UserID  int64 `json:"user_id"`
	Success bool  `json:"success"`
}

// DecisionResponse answers a permission or module question
type DecisionResponse struct {
	UserID  int64  `json:"user_id"`
	Key     string `json:"key"`
	Allowed bool   `json:"allowed"`
}

func (h *Handlers) logger(r *http.Request) *logrus.Entry {
	return observability.LoggerFromContext(r.Context(), h.log)
}

func (h *Handlers) actor(r *http.Request) rbac.User {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

// visibleTarget parses the {id} path parameter and checks the actor may read it
func (h *Handlers) visibleTarget(w http.ResponseWriter, r *http.Request) (int64, bool) {
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return 0, false
	}
	if err := h.svc.CanView(r.Context(), h.actor(r), targetID); err != nil {
		writeError(w, h.logger(r), err)
		return 0, false
	}
	return targetID, true
}

// ResolvePermission answers whether a user holds a permission
func (h *Handlers) ResolvePermission(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.visibleTarget(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	allowed, err := h.svc.ResolvePermission(r.Context(), targetID, key)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, DecisionResponse{UserID: targetID, Key: key, Allowed: allowed})
}

// ResolveModule answers whether a module is enabled for a user
func (h *Handlers) ResolveModule(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.visibleTarget(w, r)
	if !ok {
		return
	}
	moduleID := mux.Vars(r)["module"]
	allowed, err := h.svc.ResolveModule(r.Context(), targetID, moduleID)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, DecisionResponse{UserID: targetID, Key: moduleID, Allowed: allowed})
}

// EffectiveAccess returns a user's full effective access
func (h *Handlers) EffectiveAccess(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.visibleTarget(w, r)
	if !ok {
		return
	}
	access, err := h.svc.EffectiveAccess(r.Context(), targetID)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, access)
}

// ValidateChange dry-runs one change. Denials are a normal 200 answer.
func (h *Handlers) ValidateChange(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := h.svc.ValidateChange(r.Context(), h.actor(r).ID, req.TargetUserID, req.Change)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// CommitChanges applies staged changes and reports per-user outcomes
func (h *Handlers) CommitChanges(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Changes) == 0 {
		httputil.WriteBadRequest(w, "no changes")
		return
	}
	commit := h.svc.CommitChanges
	if req.Collapse {
		commit = h.svc.CommitEdits
	}
	results, err := commit(r.Context(), h.actor(r).ID, req.Changes)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	for i := range results {
		if results[i].Err != nil {
			results[i].Message = rbac.PublicMessage(results[i].Err)
		}
	}
	httputil.WriteSuccess(w, CommitResponse{Results: results})
}

// ListTemplates lists the templates visible to the actor
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListTemplates(r.Context(), h.actor(r).ID)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// GetTemplate returns one template
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.svc.GetTemplate(r.Context(), h.actor(r).ID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, tpl)
}

// CreateTemplate creates a custom template
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in templates.Input
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	tpl, err := h.svc.CreateTemplate(r.Context(), h.actor(r).ID, in)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteCreated(w, tpl)
}

// UpdateTemplate replaces a custom template
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var in templates.Input
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	tpl, err := h.svc.UpdateTemplate(r.Context(), h.actor(r).ID, mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, tpl)
}

// DeleteTemplate removes a custom template
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTemplate(r.Context(), h.actor(r).ID, mux.Vars(r)["id"]); err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteNoContent(w)
}

// ApplyTemplate applies a template to a user. A group that was not applied
// is answered with the status of its kind and the result as the body.
func (h *Handlers) ApplyTemplate(w http.ResponseWriter, r *http.Request) {
	var req ApplyTemplateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	res, err := h.svc.ApplyTemplate(r.Context(), mux.Vars(r)["id"], req.TargetUserID, h.actor(r).ID)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	if res.OK() {
		httputil.WriteSuccess(w, res)
		return
	}
	if res.Err != nil {
		res.Message = rbac.PublicMessage(res.Err)
	}
	status := StatusFor(res.Kind)
	if res.Status == bulk.StatusCancelled {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, res)
}

// SetCompanyModule opens or closes a company's gate for a module
func (h *Handlers) SetCompanyModule(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req CompanyModuleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	grant, err := h.svc.SetCompanyModule(r.Context(), h.actor(r).ID, companyID, mux.Vars(r)["module"], req.Enabled)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, grant)
}

// RecordLogin records a login attempt
func (h *Handlers) RecordLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.svc.RecordLogin(r.Context(), req.UserID, req.Success); err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListAuditEvents searches the audit trail
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	events, err := h.svc.ListAuditEvents(r.Context(), h.actor(r).ID, filter)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ExportAuditEvents downloads the audit trail as json, ndjson or csv
func (h *Handlers) ExportAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(audit.ExportFormatJSON)
	}
	format, err := audit.ParseExportFormat(name)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	data, err := h.svc.ExportAuditEvents(r.Context(), h.actor(r).ID, filter, format)
	if err != nil {
		writeError(w, h.logger(r), err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename=audit."+string(format))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func parseSearchFilter(r *http.Request) (audit.SearchFilter, error) {
	var (
		f   audit.SearchFilter
		err error
	)
	if f.StartTime, err = httputil.ParseQueryTime(r, "start_time"); err != nil {
		return f, err
	}
	if f.EndTime, err = httputil.ParseQueryTime(r, "end_time"); err != nil {
		return f, err
	}
	if f.CompanyID, err = httputil.ParseQueryInt64Ptr(r, "company_id"); err != nil {
		return f, err
	}
	if f.ActorID, err = httputil.ParseQueryInt64Ptr(r, "actor_id"); err != nil {
		return f, err
	}
	if f.TargetUserID, err = httputil.ParseQueryInt64Ptr(r, "target_user_id"); err != nil {
		return f, err
	}
	for _, name := range httputil.ParseQueryList(r, "event_type") {
		et, err := audit.ParseEventType(name)
		if err != nil {
			return f, err
		}
		f.EventTypes = append(f.EventTypes, et)
	}
	f.RiskLevel = audit.RiskLevel(r.URL.Query().Get("risk_level"))
	f.SearchText = r.URL.Query().Get("q")
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", 100); err != nil {
		return f, err
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}
