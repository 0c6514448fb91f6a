// Package templates manages permission templates: named bundles of
// permissions and modules applied to a user in one step.
//
// Applying a template expands it into grant and enable changes and commits
// them through the bulk coordinator, so templates get the same validation,
// concurrency checks and audit trail as manual edits.
package templates
