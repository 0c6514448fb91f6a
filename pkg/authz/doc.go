// Package authz is the facade callers use to ask and change access questions.
//
// Service ties the resolver, validator, bulk coordinator, template engine and
// audit recorder together behind operations keyed by actor id. Handlers
// exposes the same operations as a JSON API under /v1:
//
//	GET    /v1/users/{id}/permissions/{key}
//	GET    /v1/users/{id}/modules/{module}
//	GET    /v1/users/{id}/access
//	POST   /v1/validate
//	POST   /v1/changes
//	GET    /v1/templates
//	POST   /v1/templates
//	GET    /v1/templates/{id}
//	PUT    /v1/templates/{id}
//	DELETE /v1/templates/{id}
//	POST   /v1/templates/{id}/apply
//	PUT    /v1/companies/{id}/modules/{module}
//	POST   /v1/logins
//	GET    /v1/audit/events
//	GET    /v1/audit/export
//
// The acting user is named by the X-Actor-ID header, which the
// authenticating gateway sets. Errors are rendered with their stable kind and
// message only; a caller can never tell a user of another company from a
// user that does not exist.
package authz
