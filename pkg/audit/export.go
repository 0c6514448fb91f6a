package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParseExportFormat converts a string into an export format. Empty means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatNDJSON, ExportFormatCSV:
		return ExportFormat(s), nil
	}
	return "", fmt.Errorf("unsupported export format: %q", s)
}

// ContentType returns the MIME type of the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Export renders events in the requested format
func Export(events []*AuditEvent, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	case ExportFormatCSV:
		return exportCSV(events)
	}
	return nil, fmt.Errorf("unsupported export format: %q", format)
}

// exportJSON exports audit events as JSON array
func exportJSON(events []*AuditEvent) ([]byte, error) {
	if events == nil {
		events = []*AuditEvent{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// exportNDJSON exports audit events as newline-delimited JSON
func exportNDJSON(events []*AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports audit events as CSV. Structured payloads are embedded as
// JSON cells.
func exportCSV(events []*AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"EventType",
		"Status",
		"ActorID",
		"TargetUserID",
		"CompanyID",
		"ResourceType",
		"ResourceID",
		"RiskScore",
		"RiskLevel",
		"IPAddress",
		"UserAgent",
		"RequestID",
		"Message",
		"ErrorMessage",
		"Changes",
		"Metadata",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		changes, err := jsonCell(event.Changes)
		if err != nil {
			return nil, err
		}
		metadata, err := jsonCell(event.Metadata)
		if err != nil {
			return nil, err
		}

		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			string(event.Status),
			formatInt64Ptr(event.ActorID),
			formatInt64Ptr(event.TargetUserID),
			formatInt64Ptr(event.CompanyID),
			string(event.ResourceType),
			event.ResourceID,
			strconv.Itoa(event.RiskScore),
			string(event.RiskLevel()),
			event.IPAddress,
			event.UserAgent,
			event.RequestID,
			event.Message,
			event.ErrorMessage,
			changes,
			metadata,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func jsonCell(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case *ChangeDetails:
		if t == nil {
			return "", nil
		}
	case map[string]interface{}:
		if len(t) == 0 {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode CSV cell: %w", err)
	}
	return string(b), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
