package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBLogger implements the audit sink on a PostgreSQL database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit sink
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	// Ensure the audit_logs table exists
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_logs table if it doesn't exist. The rules
// turn UPDATE and DELETE into no-ops so rows stay append-only.
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor_id BIGINT,
		target_user_id BIGINT,
		company_id BIGINT,
		resource_type VARCHAR(50) NOT NULL DEFAULT '',
		resource_id VARCHAR(255) NOT NULL DEFAULT '',
		ip_address VARCHAR(45) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		request_id VARCHAR(100) NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		changes JSONB,
		risk_score SMALLINT NOT NULL CHECK (risk_score BETWEEN 0 AND 10),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	-- Create indexes for common query patterns
	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_company_id ON audit_logs(company_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_target_user_id ON audit_logs(target_user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_risk_score ON audit_logs(risk_score);

	CREATE OR REPLACE RULE audit_logs_no_update AS ON UPDATE TO audit_logs DO INSTEAD NOTHING;
	CREATE OR REPLACE RULE audit_logs_no_delete AS ON DELETE TO audit_logs DO INSTEAD NOTHING;
	`

	_, err := l.db.Exec(query)
	return err
}

// Write inserts an audit event and assigns its ID
func (l *DBLogger) Write(ctx context.Context, event *AuditEvent) error {
	// Serialize metadata and changes to JSON
	var metadataJSON, changesJSON []byte
	var err error

	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			actor_id, target_user_id, company_id,
			resource_type, resource_id,
			ip_address, user_agent, request_id,
			message, error_message, metadata, changes, risk_score
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, string(event.EventType), string(event.Status),
		event.ActorID, event.TargetUserID, event.CompanyID,
		string(event.ResourceType), event.ResourceID,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Message, event.ErrorMessage, metadataJSON, changesJSON, event.RiskScore,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

const auditColumns = `id, timestamp, event_type, status,
	actor_id, target_user_id, company_id,
	resource_type, resource_id,
	ip_address, user_agent, request_id,
	message, error_message, metadata, changes, risk_score`

// predicates accumulates WHERE conditions with numbered placeholders
type predicates struct {
	conds []string
	args  []interface{}
}

// add appends cond, replacing each ? with the next placeholder number
func (p *predicates) add(cond string, args ...interface{}) {
	for _, arg := range args {
		cond = strings.Replace(cond, "?", p.placeholder(arg), 1)
	}
	p.conds = append(p.conds, cond)
}

// placeholder reserves the next argument number for arg
func (p *predicates) placeholder(arg interface{}) string {
	p.args = append(p.args, arg)
	return fmt.Sprintf("$%d", len(p.args))
}

func (p *predicates) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.conds, " AND ")
}

// likeEscaper makes search text match literally inside a LIKE pattern
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func searchPredicates(filter SearchFilter) *predicates {
	p := &predicates{}
	if filter.StartTime != nil {
		p.add("timestamp >= ?", *filter.StartTime)
	}
	if filter.EndTime != nil {
		p.add("timestamp <= ?", *filter.EndTime)
	}
	if filter.CompanyID != nil {
		p.add("company_id = ?", *filter.CompanyID)
	}
	if filter.ActorID != nil {
		p.add("actor_id = ?", *filter.ActorID)
	}
	if filter.TargetUserID != nil {
		p.add("target_user_id = ?", *filter.TargetUserID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		p.add("event_type = ANY(?)", pq.Array(types))
	}
	if filter.RiskLevel != "" {
		lo, hi, _ := ScoreRange(filter.RiskLevel)
		p.add("risk_score BETWEEN ? AND ?", lo, hi)
	}
	if filter.SearchText != "" {
		n := p.placeholder("%" + likeEscaper.Replace(filter.SearchText) + "%")
		p.conds = append(p.conds, fmt.Sprintf(`(message ILIKE %[1]s ESCAPE '\' OR resource_id ILIKE %[1]s ESCAPE '\' OR event_type ILIKE %[1]s ESCAPE '\')`, n))
	}
	return p
}

// Search returns the events matching filter, newest first. A zero Limit
// returns every match.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	p := searchPredicates(filter)
	query := "SELECT " + auditColumns + " FROM audit_logs" + p.where() + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + p.placeholder(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + p.placeholder(filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*AuditEvent, error) {
	event := &AuditEvent{Metadata: make(map[string]interface{})}
	var metadata, changes []byte
	if err := rows.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&event.ActorID, &event.TargetUserID, &event.CompanyID,
		&event.ResourceType, &event.ResourceID,
		&event.IPAddress, &event.UserAgent, &event.RequestID,
		&event.Message, &event.ErrorMessage, &metadata, &changes, &event.RiskScore,
	); err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for event %d: %w", event.ID, err)
		}
	}
	if len(changes) > 0 {
		event.Changes = &ChangeDetails{}
		if err := json.Unmarshal(changes, event.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes for event %d: %w", event.ID, err)
		}
	}
	return event, nil
}

// Ping checks the database is reachable
func (l *DBLogger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
