package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType represents the category of audit event. The set is closed.
type EventType string

const (
	// Access change events
	EventTypePermissionGranted    EventType = "permission_granted"
	EventTypePermissionRevoked    EventType = "permission_revoked"
	EventTypeModuleEnabled        EventType = "module_enabled"
	EventTypeModuleDisabled       EventType = "module_disabled"
	EventTypeRoleChanged          EventType = "role_changed"
	EventTypeCompanyChanged       EventType = "company_changed"
	EventTypeCompanyModuleChanged EventType = "company_module_changed"

	// Denials
	EventTypeAccessDenied EventType = "access_denied"

	// Authentication events
	EventTypeLogin       EventType = "login"
	EventTypeLoginFailed EventType = "login_failed"

	// Template events
	EventTypeTemplateCreated EventType = "template_created"
	EventTypeTemplateUpdated EventType = "template_updated"
	EventTypeTemplateDeleted EventType = "template_deleted"
)

// AllEventTypes returns every event type
func AllEventTypes() []EventType {
	return []EventType{
		EventTypePermissionGranted,
		EventTypePermissionRevoked,
		EventTypeModuleEnabled,
		EventTypeModuleDisabled,
		EventTypeRoleChanged,
		EventTypeCompanyChanged,
		EventTypeCompanyModuleChanged,
		EventTypeAccessDenied,
		EventTypeLogin,
		EventTypeLoginFailed,
		EventTypeTemplateCreated,
		EventTypeTemplateUpdated,
		EventTypeTemplateDeleted,
	}
}

// ParseEventType converts a string into a known event type
func ParseEventType(s string) (EventType, error) {
	for _, et := range AllEventTypes() {
		if string(et) == s {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown event type: %q", s)
}

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being accessed
type ResourceType string

const (
	ResourceTypePermission    ResourceType = "permission"
	ResourceTypeModule        ResourceType = "module"
	ResourceTypeRole          ResourceType = "role"
	ResourceTypeCompany       ResourceType = "company"
	ResourceTypeCompanyModule ResourceType = "company_module"
	ResourceTypeTemplate      ResourceType = "template"
	ResourceTypeSession       ResourceType = "session"
)

// Metadata keys with meaning to risk scoring and search
const (
	MetaNoOp               = "no_op"
	MetaRecentFailedLogins = "recent_failed_logins"
	MetaDenialKind         = "denial_kind"
	MetaTier               = "tier"
	MetaTemplateID         = "template_id"
	MetaChange             = "change"
	MetaWarnings           = "warnings"
)

// AuditEvent represents a single audit log entry. Events are append-only.
type AuditEvent struct {
	// Core fields
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Who did what to whom
	ActorID      *int64 `json:"actor_id,omitempty"`
	TargetUserID *int64 `json:"target_user_id,omitempty"`
	CompanyID    *int64 `json:"company_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Origin
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Additional details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Changes      *ChangeDetails         `json:"changes,omitempty"`

	RiskScore int `json:"risk_score"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// RiskLevel returns the bucket of the event's risk score
func (e *AuditEvent) RiskLevel() RiskLevel {
	return LevelFor(e.RiskScore)
}

// IsNoOp reports whether the event records a change that had no effect
func (e *AuditEvent) IsNoOp() bool {
	v, _ := e.Metadata[MetaNoOp].(bool)
	return v
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Actor and tenant filters
	CompanyID    *int64
	ActorID      *int64
	TargetUserID *int64

	// Event filters
	EventTypes []EventType
	RiskLevel  RiskLevel

	// Case-insensitive match on message, resource id and event type
	SearchText string

	// Pagination
	Limit  int
	Offset int
}

// Validate rejects filters with unknown enum values
func (f SearchFilter) Validate() error {
	for _, et := range f.EventTypes {
		if _, err := ParseEventType(string(et)); err != nil {
			return err
		}
	}
	if f.RiskLevel != "" {
		if _, _, ok := ScoreRange(f.RiskLevel); !ok {
			return fmt.Errorf("unknown risk level: %q", f.RiskLevel)
		}
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}
	return nil
}

// Matches reports whether an event passes every filter except pagination
func (f SearchFilter) Matches(e *AuditEvent) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if !matchID(f.CompanyID, e.CompanyID) || !matchID(f.ActorID, e.ActorID) || !matchID(f.TargetUserID, e.TargetUserID) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, et := range f.EventTypes {
			if et == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RiskLevel != "" && e.RiskLevel() != f.RiskLevel {
		return false
	}
	if f.SearchText != "" {
		needle := strings.ToLower(f.SearchText)
		haystack := strings.ToLower(e.Message + "\x00" + e.ResourceID + "\x00" + string(e.EventType))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func matchID(want, got *int64) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)
