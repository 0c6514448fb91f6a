package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permitd/pkg/rbac"
)

// Wednesday 10:00 UTC is inside business hours
var businessHours = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func event(et EventType, ts time.Time) *AuditEvent {
	return &AuditEvent{EventType: et, Timestamp: ts, Metadata: map[string]interface{}{}}
}

func TestScoreBaseByType(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      int
	}{
		{EventTypeLogin, 0},
		{EventTypeLoginFailed, 2},
		{EventTypePermissionGranted, 2},
		{EventTypePermissionRevoked, 1},
		{EventTypeModuleEnabled, 1},
		{EventTypeRoleChanged, 3},
		{EventTypeCompanyChanged, 4},
		{EventTypeCompanyModuleChanged, 2},
		{EventTypeAccessDenied, 3},
		{EventTypeTemplateDeleted, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.want, Score(event(tt.eventType, businessHours)))
		})
	}
}

func TestScoreContextFactors(t *testing.T) {
	t.Run("out of hours", func(t *testing.T) {
		late := time.Date(2026, 3, 4, 22, 30, 0, 0, time.UTC)
		early := time.Date(2026, 3, 4, 6, 59, 0, 0, time.UTC)
		saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
		for _, ts := range []time.Time{late, early, saturday} {
			assert.Equal(t, 4, Score(event(EventTypePermissionGranted, ts)), ts.String())
		}
	})

	t.Run("hour is judged in UTC", func(t *testing.T) {
		tokyo := time.FixedZone("JST", 9*3600)
		// 19:00 in Tokyo is 10:00 UTC
		ts := time.Date(2026, 3, 4, 19, 0, 0, 0, tokyo)
		assert.Equal(t, 2, Score(event(EventTypePermissionGranted, ts)))
	})

	t.Run("failed logins are capped", func(t *testing.T) {
		e := event(EventTypeLoginFailed, businessHours).With(MetaRecentFailedLogins, 2)
		assert.Equal(t, 4, Score(e))
		e.With(MetaRecentFailedLogins, 25)
		assert.Equal(t, 6, Score(e))
	})

	t.Run("metadata decoded from JSON", func(t *testing.T) {
		var meta map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(`{"recent_failed_logins":3}`), &meta))
		e := event(EventTypeLoginFailed, businessHours)
		e.Metadata = meta
		assert.Equal(t, 5, Score(e))
	})

	t.Run("role elevation", func(t *testing.T) {
		e := event(EventTypeRoleChanged, businessHours)
		e.Changes = &ChangeDetails{
			Before: map[string]interface{}{"role": "user"},
			After:  map[string]interface{}{"role": "admin"},
		}
		assert.Equal(t, 6, Score(e))

		e.Changes.Before["role"], e.Changes.After["role"] = "admin", "user"
		assert.Equal(t, 3, Score(e), "demotion is not elevation")
	})

	t.Run("cross tenant denial", func(t *testing.T) {
		e := event(EventTypeAccessDenied, businessHours).With(MetaDenialKind, string(rbac.KindCrossTenant))
		assert.Equal(t, 6, Score(e))
		e.With(MetaDenialKind, string(rbac.KindRequiredModuleProtected))
		assert.Equal(t, 3, Score(e))
	})

	t.Run("super tier", func(t *testing.T) {
		e := event(EventTypePermissionGranted, businessHours).With(MetaTier, string(rbac.TierSuper))
		assert.Equal(t, 4, Score(e))
	})

	t.Run("clamped to ten", func(t *testing.T) {
		e := event(EventTypeAccessDenied, time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)).
			With(MetaDenialKind, string(rbac.KindCrossTenant)).
			With(MetaTier, string(rbac.TierSuper)).
			With(MetaRecentFailedLogins, 4)
		assert.Equal(t, MaxRiskScore, Score(e))
	})

	t.Run("no-op scores zero", func(t *testing.T) {
		e := event(EventTypeCompanyChanged, time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)).With(MetaNoOp, true)
		assert.Equal(t, 0, Score(e))
	})
}

func TestScoreIsDeterministic(t *testing.T) {
	e := event(EventTypeRoleChanged, time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC)).
		With(MetaRecentFailedLogins, 1)
	e.Changes = &ChangeDetails{
		Before: map[string]interface{}{"role": "admin"},
		After:  map[string]interface{}{"role": "super-admin"},
	}

	first := Score(e)
	payload, err := e.ToJSON()
	require.NoError(t, err)
	replayed, err := FromJSON(payload)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(e))
	}
	assert.Equal(t, first, Score(replayed))
}

func TestLevelFor(t *testing.T) {
	for score := MinRiskScore; score <= MaxRiskScore; score++ {
		level := LevelFor(score)
		lo, hi, ok := ScoreRange(level)
		require.True(t, ok)
		assert.True(t, score >= lo && score <= hi, "score %d in %s", score, level)
	}
	assert.Equal(t, RiskLow, LevelFor(3))
	assert.Equal(t, RiskMedium, LevelFor(4))
	assert.Equal(t, RiskMedium, LevelFor(6))
	assert.Equal(t, RiskHigh, LevelFor(7))

	_, _, ok := ScoreRange("severe")
	assert.False(t, ok)
}
