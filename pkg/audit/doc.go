// Package audit records every access decision and access change as an
// append-only event with a computed risk score.
//
// # Overview
//
// Events are built with the helpers in events.go, handed to a Recorder and
// written to a Sink. Sinks have no update or delete path.
//
// # Event Types
//
// Access changes: permission_granted, permission_revoked, module_enabled,
// module_disabled, role_changed, company_changed, company_module_changed
// Denials: access_denied
// Authentication: login, login_failed
// Templates: template_created, template_updated, template_deleted
//
// # Risk Scoring
//
// Score is a pure function of the event type, the UTC timestamp, the role
// before and after, and the recent_failed_logins, denial_kind and tier
// metadata. Scores run 0 to 10 and bucket into low (0-3), medium (4-6) and
// high (7-10). No-op events always score 0.
//
// # Usage Example
//
//	dead, _ := audit.NewFileSink(audit.DeadLetterConfig("/var/lib/permitd/deadletter"), log)
//	db, _ := audit.NewDBLogger(sqlDB)
//	rec := audit.NewQueuedRecorder(db, audit.DefaultRecorderConfig(),
//		audit.WithDeadLetter(dead),
//		audit.WithRecorderLogger(log))
//	defer rec.Close(ctx)
//
//	rec.Record(ctx, audit.ChangeEvent(ctx, actor, target, change, before))
//
// Search audit logs:
//
//	events, err := db.Search(ctx, audit.SearchFilter{
//		CompanyID:  &companyID,
//		EventTypes: []audit.EventType{audit.EventTypeAccessDenied},
//		RiskLevel:  audit.RiskHigh,
//	})
//
// # Delivery
//
// The QueuedRecorder retries failed writes with linear backoff. When retries
// run out the event is escalated: an error log with alert=true, an observer
// callback, and a write to the dead-letter FileSink. FileSink.Replay moves
// dead letters back into the durable sink.
//
// # Archive
//
// An Archiver copies each finished period of events to an S3 bucket as one
// NDJSON object:
//
//	client, _ := audit.NewS3Client(ctx, cfg)
//	n, err := audit.NewArchiver(db, client, cfg, log).ArchivePrevious(ctx)
//
// # Related Packages
//
//   - pkg/rbac: change and denial kinds
//   - pkg/bulk: emits one event per committed change
//   - pkg/authz: search and export endpoints
package audit
