package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permitd/pkg/contextkeys"
	"github.com/platinummonkey/permitd/pkg/rbac"
)

func seededSink(t *testing.T) *MemorySink {
	t.Helper()
	ctx := context.Background()
	sink := NewMemorySink()
	c1, c2 := int64(1), int64(2)
	admin := rbac.User{ID: 10, Role: rbac.RoleAdmin, CompanyID: &c1}
	target := rbac.User{ID: 11, Role: rbac.RoleUser, CompanyID: &c1}
	other := rbac.User{ID: 20, Role: rbac.RoleUser, CompanyID: &c2}

	events := []*AuditEvent{
		ChangeEvent(ctx, admin, target, rbac.GrantPermission(rbac.PermExpensesApprove), "false"),
		ChangeEvent(ctx, admin, target, rbac.SetRole(rbac.RoleAdmin), "user"),
		DenialEvent(ctx, admin, &other.ID, other.CompanyID, nil, rbac.KindCrossTenant),
		LoginEvent(ctx, other, false, 3),
	}
	for i, e := range events {
		e.Timestamp = businessHours.Add(time.Duration(i) * time.Minute)
		e.RiskScore = Score(e)
		require.NoError(t, sink.Write(ctx, e))
	}
	return sink
}

func TestMemorySinkSearch(t *testing.T) {
	ctx := context.Background()
	sink := seededSink(t)
	c1 := int64(1)

	all, err := sink.Search(ctx, SearchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, EventTypeLoginFailed, all[0].EventType, "newest first")

	byCompany, err := sink.Search(ctx, SearchFilter{CompanyID: &c1})
	require.NoError(t, err)
	assert.Len(t, byCompany, 2)

	byType, err := sink.Search(ctx, SearchFilter{EventTypes: []EventType{EventTypeAccessDenied}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "cross_tenant", byType[0].Metadata[MetaDenialKind])

	byText, err := sink.Search(ctx, SearchFilter{SearchText: "EXPENSES.APPROVE"})
	require.NoError(t, err)
	require.Len(t, byText, 1)
	assert.Equal(t, EventTypePermissionGranted, byText[0].EventType)

	medium, err := sink.Search(ctx, SearchFilter{RiskLevel: RiskMedium})
	require.NoError(t, err)
	for _, e := range medium {
		assert.Equal(t, RiskMedium, e.RiskLevel())
	}
	assert.Len(t, medium, 3, "role elevation, cross-tenant denial and repeated failed login")

	page, err := sink.Search(ctx, SearchFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, EventTypeAccessDenied, page[0].EventType)

	empty, err := sink.Search(ctx, SearchFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearchFilterTimeRange(t *testing.T) {
	start := businessHours.Add(30 * time.Second)
	end := businessHours.Add(90 * time.Second)
	f := SearchFilter{StartTime: &start, EndTime: &end}

	assert.False(t, f.Matches(&AuditEvent{Timestamp: businessHours}))
	assert.True(t, f.Matches(&AuditEvent{Timestamp: businessHours.Add(time.Minute)}))
	assert.False(t, f.Matches(&AuditEvent{Timestamp: businessHours.Add(2 * time.Minute)}))
}

func TestChangeEventPayload(t *testing.T) {
	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	ctx = contextkeys.WithOrigin(ctx, "10.1.2.3", "permitd-test")
	c1, c2 := int64(1), int64(2)
	super := rbac.User{ID: 1, Role: rbac.RoleSuperAdmin}
	target := rbac.User{ID: 5, Role: rbac.RoleUser, CompanyID: &c1}

	e := ChangeEvent(ctx, super, target, rbac.MoveToCompany(&c2), "1")
	assert.Equal(t, EventTypeCompanyChanged, e.EventType)
	assert.Equal(t, ResourceTypeCompany, e.ResourceType)
	assert.Equal(t, "2", e.ResourceID)
	assert.Equal(t, int64(1), e.Changes.Before["company_id"])
	assert.Equal(t, int64(2), e.Changes.After["company_id"])
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "10.1.2.3", e.IPAddress)
	assert.Equal(t, "permitd-test", e.UserAgent)

	e = ChangeEvent(ctx, super, target, rbac.DisableModule(rbac.ModuleReports), "true")
	assert.Equal(t, EventTypeModuleDisabled, e.EventType)
	assert.Equal(t, true, e.Changes.Before["enabled"])
	assert.Equal(t, false, e.Changes.After["enabled"])
}

func TestParseEventType(t *testing.T) {
	for _, et := range AllEventTypes() {
		parsed, err := ParseEventType(string(et))
		require.NoError(t, err)
		assert.Equal(t, et, parsed)
	}
	_, err := ParseEventType("logout")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	events, err := seededSink(t).Search(ctx, SearchFilter{})
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		out, err := Export(events, ExportFormatJSON)
		require.NoError(t, err)
		var decoded []*AuditEvent
		require.NoError(t, json.Unmarshal(out, &decoded))
		assert.Len(t, decoded, 4)
	})

	t.Run("json empty", func(t *testing.T) {
		out, err := Export(nil, ExportFormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(out))
	})

	t.Run("ndjson", func(t *testing.T) {
		out, err := Export(events, ExportFormatNDJSON)
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(string(out)), "\n"), 4)
	})

	t.Run("csv", func(t *testing.T) {
		out, err := Export(events, ExportFormatCSV)
		require.NoError(t, err)
		records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 5)
		assert.Equal(t, "RiskLevel", records[0][10])
		assert.Equal(t, "login_failed", records[1][2])
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := Export(events, "xml")
		assert.Error(t, err)
		_, err = ParseExportFormat("xml")
		assert.Error(t, err)
	})
}
