package audit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/platinummonkey/permitd/pkg/contextkeys"
	"github.com/platinummonkey/permitd/pkg/rbac"
)

// NewEvent creates an event carrying the request origin found in ctx.
// Timestamp and risk score are stamped when the event is recorded.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		EventType: eventType,
		Status:    status,
		IPAddress: contextkeys.GetIPAddress(ctx),
		UserAgent: contextkeys.GetUserAgent(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// With sets a metadata value and returns the event
func (e *AuditEvent) With(key string, value interface{}) *AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// EventTypeForChange maps an access change to the event that records it
func EventTypeForChange(c rbac.Change) EventType {
	switch c.Type {
	case rbac.ChangeGrantPermission:
		return EventTypePermissionGranted
	case rbac.ChangeRevokePermission:
		return EventTypePermissionRevoked
	case rbac.ChangeEnableModule:
		return EventTypeModuleEnabled
	case rbac.ChangeDisableModule:
		return EventTypeModuleDisabled
	case rbac.ChangeRole:
		return EventTypeRoleChanged
	case rbac.ChangeCompany:
		return EventTypeCompanyChanged
	}
	return EventTypeAccessDenied
}

func resourceFor(c rbac.Change) (ResourceType, string) {
	switch {
	case c.IsPermission():
		return ResourceTypePermission, c.Key
	case c.IsModule():
		return ResourceTypeModule, c.Key
	case c.Type == rbac.ChangeRole:
		return ResourceTypeRole, string(c.Role)
	case c.Type == rbac.ChangeCompany:
		return ResourceTypeCompany, rbac.CompanyKey(c.CompanyID)
	}
	return "", c.Key
}

// changeValue renders a change's encoded value for the before/after payload
func changeValue(c rbac.Change, encoded string) (string, interface{}) {
	switch {
	case c.IsPermission():
		return "granted", encoded == "true"
	case c.IsModule():
		return "enabled", encoded == "true"
	case c.Type == rbac.ChangeRole:
		return "role", encoded
	case c.Type == rbac.ChangeCompany:
		if encoded == "" {
			return "company_id", nil
		}
		id, err := strconv.ParseInt(encoded, 10, 64)
		if err != nil {
			return "company_id", encoded
		}
		return "company_id", id
	}
	return "value", encoded
}

// ChangeEvent records one applied access change. before is the value the
// change replaced, in the encoding of rbac.Change.Desired.
func ChangeEvent(ctx context.Context, actor rbac.User, target rbac.User, change rbac.Change, before string) *AuditEvent {
	e := NewEvent(ctx, EventTypeForChange(change), EventStatusSuccess)
	e.ActorID = &actor.ID
	e.TargetUserID = &target.ID
	e.CompanyID = target.CompanyID
	e.ResourceType, e.ResourceID = resourceFor(change)

	field, beforeVal := changeValue(change, before)
	_, afterVal := changeValue(change, change.Desired())
	e.Changes = &ChangeDetails{
		Before: map[string]interface{}{field: beforeVal},
		After:  map[string]interface{}{field: afterVal},
	}
	e.Metadata[MetaChange] = change.String()
	e.Message = fmt.Sprintf("user %d applied %s to user %d", actor.ID, change, target.ID)
	return e
}

// DenialEvent records a rejected access change or a refused request
func DenialEvent(ctx context.Context, actor rbac.User, targetUserID *int64, companyID *int64, change *rbac.Change, kind rbac.Kind) *AuditEvent {
	e := NewEvent(ctx, EventTypeAccessDenied, EventStatusDenied)
	e.ActorID = &actor.ID
	e.TargetUserID = targetUserID
	e.CompanyID = companyID
	e.ErrorMessage = kind.Message()
	e.Metadata[MetaDenialKind] = string(kind)

	subject := "request"
	if change != nil {
		e.ResourceType, e.ResourceID = resourceFor(*change)
		e.Metadata[MetaChange] = change.String()
		subject = change.String()
	}
	if targetUserID != nil {
		e.Message = fmt.Sprintf("user %d denied %s on user %d: %s", actor.ID, subject, *targetUserID, kind)
	} else {
		e.Message = fmt.Sprintf("user %d denied %s: %s", actor.ID, subject, kind)
	}
	return e
}

// LoginEvent records a login attempt. recentFailures counts the user's
// failed attempts in the lookback window before this one.
func LoginEvent(ctx context.Context, user rbac.User, success bool, recentFailures int) *AuditEvent {
	eventType, status := EventTypeLogin, EventStatusSuccess
	if !success {
		eventType, status = EventTypeLoginFailed, EventStatusFailure
	}
	e := NewEvent(ctx, eventType, status)
	e.ActorID = &user.ID
	e.TargetUserID = &user.ID
	e.CompanyID = user.CompanyID
	e.ResourceType = ResourceTypeSession
	e.ResourceID = strconv.FormatInt(user.ID, 10)
	e.Metadata[MetaRecentFailedLogins] = recentFailures
	e.Message = fmt.Sprintf("user %d %s", user.ID, eventType)
	return e
}

// CompanyModuleEvent records a company gate change
func CompanyModuleEvent(ctx context.Context, actor rbac.User, companyID int64, moduleID string, before, after bool) *AuditEvent {
	e := NewEvent(ctx, EventTypeCompanyModuleChanged, EventStatusSuccess)
	e.ActorID = &actor.ID
	e.CompanyID = &companyID
	e.ResourceType = ResourceTypeCompanyModule
	e.ResourceID = moduleID
	e.Changes = &ChangeDetails{
		Before: map[string]interface{}{"enabled": before},
		After:  map[string]interface{}{"enabled": after},
	}
	e.Message = fmt.Sprintf("user %d set module %s enabled=%t for company %d", actor.ID, moduleID, after, companyID)
	return e
}

// TemplateEvent records a custom template being created, updated or deleted.
// before and after are nil for creation and deletion respectively.
func TemplateEvent(ctx context.Context, actor rbac.User, eventType EventType, templateID string, companyID *int64, before, after map[string]interface{}) *AuditEvent {
	e := NewEvent(ctx, eventType, EventStatusSuccess)
	e.ActorID = &actor.ID
	e.CompanyID = companyID
	e.ResourceType = ResourceTypeTemplate
	e.ResourceID = templateID
	if before != nil || after != nil {
		e.Changes = &ChangeDetails{Before: before, After: after}
	}
	e.Metadata[MetaTemplateID] = templateID
	e.Message = fmt.Sprintf("user %d %s %s", actor.ID, eventType, templateID)
	return e
}
