package rbac

import (
	"errors"
	"fmt"
)

// Kind classifies an authorization failure
type Kind string

const (
	KindUnauthorized            Kind = "unauthorized"
	KindCrossTenant             Kind = "cross_tenant"
	KindInsufficientAuthority   Kind = "insufficient_authority"
	KindRequiredModuleProtected Kind = "required_module_protected"
	KindInvalidChange           Kind = "invalid_change"
	KindConcurrentModification  Kind = "concurrent_modification"
	KindPersistenceFailure      Kind = "persistence_failure"
	KindNotFound                Kind = "not_found"
)

// Sentinel errors, one per kind
var (
	ErrUnauthorized            = errors.New("rbac.unauthorized")
	ErrCrossTenant             = errors.New("rbac.cross_tenant")
	ErrInsufficientAuthority   = errors.New("rbac.insufficient_authority")
	ErrRequiredModuleProtected = errors.New("rbac.required_module_protected")
	ErrInvalidChange           = errors.New("rbac.invalid_change")
	ErrConcurrentModification  = errors.New("rbac.concurrent_modification")
	ErrPersistenceFailure      = errors.New("rbac.persistence_failure")
	ErrNotFound                = errors.New("rbac.not_found")
)

var kindSentinels = map[Kind]error{
	KindUnauthorized:            ErrUnauthorized,
	KindCrossTenant:             ErrCrossTenant,
	KindInsufficientAuthority:   ErrInsufficientAuthority,
	KindRequiredModuleProtected: ErrRequiredModuleProtected,
	KindInvalidChange:           ErrInvalidChange,
	KindConcurrentModification:  ErrConcurrentModification,
	KindPersistenceFailure:      ErrPersistenceFailure,
	KindNotFound:                ErrNotFound,
}

var kindMessages = map[Kind]string{
	KindUnauthorized:            "you are not allowed to manage access",
	KindCrossTenant:             "target user is outside your company",
	KindInsufficientAuthority:   "insufficient authority for this change",
	KindRequiredModuleProtected: "required modules cannot be disabled",
	KindInvalidChange:           "change is not valid",
	KindConcurrentModification:  "access changed since it was loaded; reload and retry",
	KindPersistenceFailure:      "access change could not be saved",
	KindNotFound:                "user not found",
}

// Message returns the stable, user-facing message for a kind
func (k Kind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return string(k)
}

// Retryable reports whether the caller may retry after re-reading state
func (k Kind) Retryable() bool {
	return k == KindConcurrentModification || k == KindPersistenceFailure
}

// Error is a classified authorization error
type Error struct {
	Kind   Kind
	Detail string // internal detail, not shown to end users
	Err    error
}

// NewError creates a classified error
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError classifies an underlying error
func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind.Message(), e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind.Message(), e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind.Message(), e.Err)
	}
	return e.Kind.Message()
}

// Unwrap exposes the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf extracts the kind from an error chain. Unclassified errors report "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// PublicMessage returns the message safe to show the actor for err
func PublicMessage(err error) string {
	if kind := KindOf(err); kind != "" {
		return kind.Message()
	}
	return "internal error"
}
