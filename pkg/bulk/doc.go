// Package bulk stages and commits batches of access changes.
//
// A ChangeSet collects edits per (user, subject) and drops edits that return
// to their baseline. The Coordinator groups a batch by target user and commits
// each group in its own transaction: every change is re-validated against
// freshly loaded state, baselines are compared to detect concurrent edits, and
// the write is guarded by the user's access version. Groups are independent,
// so one rejected user never blocks another.
//
// Every applied or no-op change produces one audit event; every rejected
// change produces one access_denied event.
package bulk
