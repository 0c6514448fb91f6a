package authz

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/permitd/pkg/httputil"
	"github.com/platinummonkey/permitd/pkg/rbac"
	"github.com/platinummonkey/permitd/pkg/templates"
)

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind rbac.Kind) int {
	switch kind {
	case rbac.KindUnauthorized, rbac.KindCrossTenant, rbac.KindInsufficientAuthority:
		return http.StatusForbidden
	case rbac.KindRequiredModuleProtected:
		return http.StatusUnprocessableEntity
	case rbac.KindInvalidChange:
		return http.StatusBadRequest
	case rbac.KindConcurrentModification:
		return http.StatusConflict
	case rbac.KindPersistenceFailure:
		return http.StatusServiceUnavailable
	case rbac.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError renders err without leaking internals. Taxonomy errors carry
// their stable message; template errors their own text.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	switch {
	case errors.Is(err, templates.ErrNotFound):
		httputil.WriteKindError(w, http.StatusNotFound, string(rbac.KindNotFound), "template not found")
		return
	case errors.Is(err, templates.ErrDuplicateName):
		httputil.WriteErrorMessage(w, http.StatusConflict, "a template with this name already exists")
		return
	case errors.Is(err, templates.ErrSystemTemplate):
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "system templates cannot be changed")
		return
	}

	kind := rbac.KindOf(err)
	if kind == "" {
		log.WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
		return
	}

	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("kind", kind).Error("Request failed")
	} else {
		log.WithError(err).WithField("kind", kind).Info("Request refused")
	}

	msg := kind.Message()
	var e *rbac.Error
	if kind == rbac.KindInvalidChange && errors.As(err, &e) && e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	httputil.WriteKindError(w, status, string(kind), msg)
}
