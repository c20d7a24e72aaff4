package entities

import "time"

// LedgerStatus is the outcome recorded for one legacy id.
type LedgerStatus string

const (
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// LedgerEntry records one attempted legacy id. It is the single source of
// truth for idempotency: an id with a row is never transformed again.
type LedgerEntry struct {
	ID          uint         `gorm:"primaryKey"`
	Domain      string       `gorm:"size:32;not null;uniqueIndex:idx_ledger_domain_legacy;index:idx_ledger_domain_status"`
	LegacyID    int64        `gorm:"not null;uniqueIndex:idx_ledger_domain_legacy"`
	Status      LedgerStatus `gorm:"size:16;not null;index:idx_ledger_domain_status"`
	TargetID    string       `gorm:"size:36"`
	ChildCount  int          `gorm:"not null;default:0"`
	Error       string       `gorm:"type:text"`
	ProcessedAt time.Time    `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (LedgerEntry) TableName() string {
	return "migration_ledger"
}

// Completed reports whether the entry is a completed migration.
func (e *LedgerEntry) Completed() bool {
	return e.Status == LedgerStatusCompleted
}
