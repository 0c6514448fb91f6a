package audit

import (
	"time"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

// RiskLevel buckets a 0..10 risk score for filtering
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

const (
	MinRiskScore = 0
	MaxRiskScore = 10
)

var baseScores = map[EventType]int{
	EventTypeLogin:                0,
	EventTypeLoginFailed:          2,
	EventTypePermissionGranted:    2,
	EventTypePermissionRevoked:    1,
	EventTypeModuleEnabled:        1,
	EventTypeModuleDisabled:       1,
	EventTypeRoleChanged:          3,
	EventTypeCompanyChanged:       4,
	EventTypeCompanyModuleChanged: 2,
	EventTypeAccessDenied:         3,
	EventTypeTemplateCreated:      1,
	EventTypeTemplateUpdated:      1,
	EventTypeTemplateDeleted:      1,
}

// Score computes an event's risk. It depends only on the event's type, UTC
// timestamp, role before/after and the recent_failed_logins, denial_kind and
// tier metadata, so replaying history reproduces identical scores.
func Score(e *AuditEvent) int {
	if e.IsNoOp() {
		return MinRiskScore
	}

	score := baseScores[e.EventType]

	if outOfHours(e.Timestamp) {
		score += 2
	}

	if n := metaInt(e.Metadata, MetaRecentFailedLogins); n > 0 {
		score += min(n, 4)
	}

	if roleElevated(e.Changes) {
		score += 3
	}

	if kind, _ := e.Metadata[MetaDenialKind].(string); kind == string(rbac.KindCrossTenant) {
		score += 3
	}

	if tier, _ := e.Metadata[MetaTier].(string); tier == string(rbac.TierSuper) {
		score += 2
	}

	return max(MinRiskScore, min(score, MaxRiskScore))
}

// LevelFor buckets a score: low 0-3, medium 4-6, high 7-10
func LevelFor(score int) RiskLevel {
	switch {
	case score >= 7:
		return RiskHigh
	case score >= 4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ScoreRange returns the inclusive score bounds of a level
func ScoreRange(level RiskLevel) (int, int, bool) {
	switch level {
	case RiskLow:
		return 0, 3, true
	case RiskMedium:
		return 4, 6, true
	case RiskHigh:
		return 7, 10, true
	}
	return 0, 0, false
}

// outOfHours is true on weekends and outside 07:00-20:00 UTC
func outOfHours(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return t.Hour() < 7 || t.Hour() >= 20
}

func roleElevated(changes *ChangeDetails) bool {
	if changes == nil {
		return false
	}
	before, _ := changes.Before["role"].(string)
	after, _ := changes.After["role"].(string)
	if after == "" {
		return false
	}
	return rbac.Authority(rbac.Role(after)) > rbac.Authority(rbac.Role(before))
}

// metaInt reads an integer from metadata. Values decoded from JSON arrive as
// float64.
func metaInt(meta map[string]interface{}, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
