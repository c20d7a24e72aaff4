// Package entities defines the GORM models of the target store that deskbridge
// writes to.
//
// # Ticket migration
//
//   - Account: current-system user, matched to legacy staff by email
//   - Task: one per migrated legacy ticket, keyed by natural key HD-<id>
//   - TaskComment: one per non-empty legacy answer
//
// # Reference data
//
//   - Workspace: container per reference domain with a fixed field schema
//   - WorkspaceRecord: one per legacy reference row, keyed by <PREFIX>-<id>
//   - RecordLink: relation between two workspace records
//
// # Bookkeeping
//
//   - LedgerEntry: idempotency and audit log, unique on (domain, legacy id)
package entities
