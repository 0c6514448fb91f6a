package rbac

import (
	"strings"
)

// Warnings attached to allowed changes
const (
	WarnNoEffect          = "change has no effect"
	WarnDeprecated        = "permission is deprecated"
	WarnDeprecatedModule  = "module is deprecated"
	WarnTargetInactive    = "target user is inactive"
	WarnSelfModification  = "actor is modifying their own access"
	WarnCompanyGateClosed = "module is disabled for the company"
	WarnSuperAdminBypass  = "super-admin access is not affected by overrides"
	warnDependencyPrefix  = "module dependency not enabled: "
	warnDependentPrefix   = "module is required by enabled module: "
)

// ValidationResult is the outcome of validating one change
type ValidationResult struct {
	Allowed  bool     `json:"allowed"`
	Kind     Kind     `json:"kind,omitempty"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	NoOp     bool     `json:"no_op"`
}

// Err returns nil for allowed changes and a classified error otherwise
func (r ValidationResult) Err() error {
	if r.Allowed {
		return nil
	}
	return NewError(r.Kind, strings.Join(r.Errors, "; "))
}

func deny(kind Kind) ValidationResult {
	return ValidationResult{
		Allowed:  false,
		Kind:     kind,
		Errors:   []string{kind.Message()},
		Warnings: []string{},
	}
}

// Validator decides whether an actor may apply a change to a target. It reads
// only the snapshot it is given and never touches storage.
type Validator struct {
	eval *Evaluator
}

// NewValidator creates a validator
func NewValidator(eval *Evaluator) *Validator {
	return &Validator{eval: eval}
}

// Validate checks change against the rules in order; the first failing rule
// decides the result.
func (v *Validator) Validate(actor User, target *AccessSnapshot, change Change) ValidationResult {
	catalog := v.eval.catalog
	tu := target.User

	if !actor.IsActive || Authority(actor.Role) < Authority(RoleAdmin) {
		return deny(KindUnauthorized)
	}

	if actor.Role != RoleSuperAdmin {
		if !actor.SameCompany(tu.CompanyID) {
			return deny(KindCrossTenant)
		}
		if change.Type == ChangeCompany && !actor.SameCompany(change.CompanyID) {
			return deny(KindCrossTenant)
		}

		if tu.Role == RoleSuperAdmin {
			return deny(KindInsufficientAuthority)
		}
		if change.IsPermission() && catalog.IsSuperPermission(change.Key) {
			return deny(KindInsufficientAuthority)
		}
		if change.IsModule() && catalog.IsSuperModule(change.Key) {
			return deny(KindInsufficientAuthority)
		}
	}

	if !v.wellFormed(tu, change) {
		return deny(KindInvalidChange)
	}

	if change.Type == ChangeDisableModule {
		if m, _ := catalog.Module(change.Key); m.IsCoreRequired {
			return deny(KindRequiredModuleProtected)
		}
	}

	if change.Type == ChangeRole && Authority(change.Role) > Authority(actor.Role) {
		return deny(KindInsufficientAuthority)
	}

	result := ValidationResult{Allowed: true, Errors: []string{}, Warnings: []string{}}
	if v.eval.NoOp(target, change) {
		result.NoOp = true
		result.Warnings = append(result.Warnings, WarnNoEffect)
	}
	result.Warnings = append(result.Warnings, v.warnings(actor, target, change)...)
	return result
}

func (v *Validator) wellFormed(target User, change Change) bool {
	catalog := v.eval.catalog
	switch change.Type {
	case ChangeGrantPermission, ChangeRevokePermission:
		_, ok := catalog.Permission(change.Key)
		return ok
	case ChangeEnableModule, ChangeDisableModule:
		_, ok := catalog.Module(change.Key)
		return ok
	case ChangeRole:
		if !change.Role.Valid() {
			return false
		}
		// Only super-admins may exist without a company.
		return change.Role == RoleSuperAdmin || target.CompanyID != nil
	case ChangeCompany:
		return change.CompanyID != nil || target.Role == RoleSuperAdmin
	}
	return false
}

func (v *Validator) warnings(actor User, target *AccessSnapshot, change Change) []string {
	catalog := v.eval.catalog
	var out []string

	if !target.User.IsActive {
		out = append(out, WarnTargetInactive)
	}
	if actor.ID == target.User.ID {
		out = append(out, WarnSelfModification)
	}

	switch change.Type {
	case ChangeGrantPermission:
		if p, _ := catalog.Permission(change.Key); p.Deprecated {
			out = append(out, WarnDeprecated)
		}
		if target.User.Role == RoleSuperAdmin {
			out = append(out, WarnSuperAdminBypass)
		}
	case ChangeRevokePermission:
		if target.User.Role == RoleSuperAdmin {
			out = append(out, WarnSuperAdminBypass)
		}
	case ChangeEnableModule:
		m, _ := catalog.Module(change.Key)
		if m.Deprecated {
			out = append(out, WarnDeprecatedModule)
		}
		if target.User.Role != RoleSuperAdmin {
			if gate, ok := target.CompanyModules[change.Key]; !ok || !gate.IsEnabled {
				out = append(out, WarnCompanyGateClosed)
			}
		}
		for _, dep := range m.Dependencies {
			if !v.eval.Module(target, dep) {
				out = append(out, warnDependencyPrefix+dep)
			}
		}
	case ChangeDisableModule:
		for _, dependent := range catalog.Dependents(change.Key) {
			if v.eval.Module(target, dependent) {
				out = append(out, warnDependentPrefix+dependent)
			}
		}
	}
	return out
}
