// Package ledger is the durable idempotency and audit log of migration and
// sync attempts, keyed by (domain, legacy id).
package ledger

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
)

// DomainTickets is the ledger domain of the ticket migration.
const DomainTickets = "tickets"

// MaxErrorLength bounds stored error messages.
const MaxErrorLength = 2000

// Ledger reads and writes ledger entries. A Ledger bound to a transaction
// with WithTx writes inside it.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a ledger over db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithTx returns a ledger that runs its statements on tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// Existing returns the entries that exist for ids, keyed by legacy id.
func (l *Ledger) Existing(ctx context.Context, domain string, ids []int64) (map[int64]entities.LedgerEntry, error) {
	found := make(map[int64]entities.LedgerEntry, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	var rows []entities.LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("domain = ? AND legacy_id IN ?", domain, ids).
		Find(&rows).Error; err != nil {
		return nil, dbError(err, "existing", domain)
	}
	for i := range rows {
		found[rows[i].LegacyID] = rows[i]
	}
	return found, nil
}

// Lookup returns the entry for one id, or nil when there is none.
func (l *Ledger) Lookup(ctx context.Context, domain string, id int64) (*entities.LedgerEntry, error) {
	var entry entities.LedgerEntry
	err := l.db.WithContext(ctx).
		Where("domain = ? AND legacy_id = ?", domain, id).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "lookup", domain)
	}
	return &entry, nil
}

// RecordCompleted writes a completed entry. It returns false when an entry for
// the id already exists; the existing entry is left untouched.
func (l *Ledger) RecordCompleted(ctx context.Context, domain string, id int64, targetID string, childCount int) (bool, error) {
	return l.insert(ctx, &entities.LedgerEntry{
		Domain:      domain,
		LegacyID:    id,
		Status:      entities.LedgerStatusCompleted,
		TargetID:    targetID,
		ChildCount:  childCount,
		ProcessedAt: l.now(),
	})
}

// RecordFailed writes a failed entry unless one already exists for the id.
func (l *Ledger) RecordFailed(ctx context.Context, domain string, id int64, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.insert(ctx, &entities.LedgerEntry{
		Domain:      domain,
		LegacyID:    id,
		Status:      entities.LedgerStatusFailed,
		Error:       truncateError(msg),
		ProcessedAt: l.now(),
	})
}

// truncateError cuts msg to MaxErrorLength bytes on a rune boundary and
// drops invalid UTF-8, which Postgres text columns reject.
func truncateError(msg string) string {
	if len(msg) > MaxErrorLength {
		n := MaxErrorLength
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	return strings.ToValidUTF8(msg, "")
}

func (l *Ledger) insert(ctx context.Context, entry *entities.LedgerEntry) (bool, error) {
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "domain"}, {Name: "legacy_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, errors.New(result.Error).
			Component("ledger").
			Category(errors.CategoryDatabase).
			RecordContext(entry.Domain, entry.LegacyID).
			Context("status", string(entry.Status)).
			Build()
	}
	return result.RowsAffected > 0, nil
}

// Failed returns every failed entry of domain in legacy id order.
func (l *Ledger) Failed(ctx context.Context, domain string) ([]entities.LedgerEntry, error) {
	var rows []entities.LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("domain = ? AND status = ?", domain, entities.LedgerStatusFailed).
		Order("legacy_id ASC").
		Find(&rows).Error; err != nil {
		return nil, dbError(err, "failed", domain)
	}
	return rows, nil
}

// DeleteFailed removes failed entries for ids. Completed entries are never removed.
func (l *Ledger) DeleteFailed(ctx context.Context, domain string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := l.db.WithContext(ctx).
		Where("domain = ? AND status = ? AND legacy_id IN ?", domain, entities.LedgerStatusFailed, ids).
		Delete(&entities.LedgerEntry{})
	if result.Error != nil {
		return 0, dbError(result.Error, "delete_failed", domain)
	}
	return result.RowsAffected, nil
}

// Counts holds per-status totals of one domain.
type Counts struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Count returns per-status totals of domain.
func (l *Ledger) Count(ctx context.Context, domain string) (Counts, error) {
	var rows []struct {
		Status entities.LedgerStatus
		N      int64
	}
	if err := l.db.WithContext(ctx).
		Model(&entities.LedgerEntry{}).
		Select("status, COUNT(*) AS n").
		Where("domain = ?", domain).
		Group("status").
		Scan(&rows).Error; err != nil {
		return Counts{}, dbError(err, "count", domain)
	}

	var c Counts
	for _, r := range rows {
		switch r.Status {
		case entities.LedgerStatusCompleted:
			c.Completed = r.N
		case entities.LedgerStatusFailed:
			c.Failed = r.N
		}
	}
	return c, nil
}

// TargetIDs returns target ids of completed entries for ids, keyed by legacy id.
func (l *Ledger) TargetIDs(ctx context.Context, domain string, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []entities.LedgerEntry
	if err := l.db.WithContext(ctx).
		Select("legacy_id, target_id").
		Where("domain = ? AND status = ? AND legacy_id IN ?", domain, entities.LedgerStatusCompleted, ids).
		Find(&rows).Error; err != nil {
		return nil, dbError(err, "target_ids", domain)
	}
	for i := range rows {
		out[rows[i].LegacyID] = rows[i].TargetID
	}
	return out, nil
}

// SampleCompleted returns up to n completed entries picked at random offsets.
func (l *Ledger) SampleCompleted(ctx context.Context, domain string, n int) ([]entities.LedgerEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	base := l.db.WithContext(ctx).
		Model(&entities.LedgerEntry{}).
		Where("domain = ? AND status = ?", domain, entities.LedgerStatusCompleted)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, dbError(err, "sample_count", domain)
	}
	if total == 0 {
		return nil, nil
	}

	size := int(min(int64(n), total))
	picked := make(map[int64]struct{}, size)
	for len(picked) < size {
		picked[rand.Int64N(total)] = struct{}{}
	}

	sample := make([]entities.LedgerEntry, 0, size)
	for off := range picked {
		var entry entities.LedgerEntry
		err := base.Session(&gorm.Session{}).
			Order("id ASC").
			Offset(int(off)).
			Limit(1).
			Find(&entry).Error
		if err != nil {
			return nil, dbError(err, "sample", domain)
		}
		if entry.ID != 0 {
			sample = append(sample, entry)
		}
	}
	return sample, nil
}

// LastProcessedAt returns the newest processed_at of completed entries of
// domain, or the zero time when there are none.
func (l *Ledger) LastProcessedAt(ctx context.Context, domain string) (time.Time, error) {
	var entry entities.LedgerEntry
	err := l.db.WithContext(ctx).
		Select("processed_at").
		Where("domain = ? AND status = ?", domain, entities.LedgerStatusCompleted).
		Order("processed_at DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, dbError(err, "last_processed_at", domain)
	}
	return entry.ProcessedAt, nil
}

// Filter selects entries for List.
type Filter struct {
	Domain string
	Status entities.LedgerStatus // empty = any
	Offset int
	Limit  int
}

// List returns one page of entries, newest first, and the total matching count.
func (l *Ledger) List(ctx context.Context, f Filter) ([]entities.LedgerEntry, int64, error) {
	q := l.db.WithContext(ctx).Model(&entities.LedgerEntry{}).Where("domain = ?", f.Domain)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "list_count", f.Domain)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows []entities.LedgerEntry
	if err := q.Session(&gorm.Session{}).
		Order("processed_at DESC, id DESC").
		Offset(max(f.Offset, 0)).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, dbError(err, "list", f.Domain)
	}
	return rows, total, nil
}

func dbError(err error, op, domain string) error {
	return errors.New(err).
		Component("ledger").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("domain", domain).
		Build()
}
