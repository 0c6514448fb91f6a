package authz

import (
	"context"
	"net/http"
	"strconv"

	"github.com/platinummonkey/permitd/pkg/contextkeys"
	"github.com/platinummonkey/permitd/pkg/httputil"
	"github.com/platinummonkey/permitd/pkg/observability"
	"github.com/platinummonkey/permitd/pkg/rbac"
)

// ActorHeader carries the authenticated user id, set by the gateway in
// front of permitd
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// WithActor stores the acting user in the context
func WithActor(ctx context.Context, actor rbac.User) context.Context {
	ctx = contextkeys.WithActorID(ctx, actor.ID)
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting user stored by ActorMiddleware
func ActorFromContext(ctx context.Context) (rbac.User, bool) {
	actor, ok := ctx.Value(actorKey{}).(rbac.User)
	return actor, ok
}

// ActorMiddleware loads the user named by ActorHeader. Requests without the
// header are rejected with 401; unknown or inactive actors with 403.
func (h *Handlers) ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		if raw == "" {
			httputil.WriteUnauthorized(w, "missing "+ActorHeader+" header")
			return
		}
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid "+ActorHeader+" header")
			return
		}

		actor, err := h.svc.Actor(r.Context(), actorID)
		if err != nil {
			writeError(w, observability.LoggerFromContext(r.Context(), h.log), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequirePermission only lets actors through who effectively hold key
func (h *Handlers) RequirePermission(key string) func(http.Handler) http.Handler {
	return h.require(func(ctx context.Context, actor rbac.User) (bool, error) {
		return h.svc.ResolvePermission(ctx, actor.ID, key)
	})
}

// RequireModule only lets actors through whose effective modules include moduleID
func (h *Handlers) RequireModule(moduleID string) func(http.Handler) http.Handler {
	return h.require(func(ctx context.Context, actor rbac.User) (bool, error) {
		return h.svc.ResolveModule(ctx, actor.ID, moduleID)
	})
}

func (h *Handlers) require(check func(context.Context, rbac.User) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := observability.LoggerFromContext(r.Context(), h.log)
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "missing actor")
				return
			}
			allowed, err := check(r.Context(), actor)
			if err != nil {
				writeError(w, log, err)
				return
			}
			if !allowed {
				writeError(w, log, rbac.NewError(rbac.KindUnauthorized, r.URL.Path))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
