// Package audit checks how much of the legacy store has reached the target
// store and whether migrated rows are still there.
package audit

import (
	"context"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
)

// DefaultSampleSize caps the integrity spot-check.
const DefaultSampleSize = 100

// Report is the outcome of one audit. Discrepancies are data, not errors.
type Report struct {
	Domain          string    `json:"domain"`
	SourceTotal     int64     `json:"sourceTotal"`
	TargetTotal     int64     `json:"targetTotal"`
	Completed       int64     `json:"completed"`
	Failed          int64     `json:"failed"`
	CoveragePercent int       `json:"coveragePercent"`
	Sampled         int       `json:"sampled"`
	IntegrityErrors int       `json:"integrityErrors"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Config configures an Auditor.
type Config struct {
	Source     legacy.Source
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	SampleSize int
	Logger     logger.Logger
	Metrics    *metrics.AuditMetrics
}

// Auditor compares source counts, ledger counts and target rows.
type Auditor struct {
	source     legacy.Source
	db         *gorm.DB
	ledger     *ledger.Ledger
	sampleSize int
	logger     logger.Logger
	metrics    *metrics.AuditMetrics
}

// New creates an Auditor.
func New(cfg *Config) *Auditor {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("audit")
	}
	size := cfg.SampleSize
	if size <= 0 || size > DefaultSampleSize {
		size = DefaultSampleSize
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.New(cfg.DB)
	}
	return &Auditor{
		source:     cfg.Source,
		db:         cfg.DB,
		ledger:     l,
		sampleSize: size,
		logger:     log,
		metrics:    cfg.Metrics,
	}
}

// Coverage returns round(completed / total * 100) clamped to [0, 100].
// An empty source is fully covered.
func Coverage(completed, total int64) int {
	if total <= 0 {
		return 100
	}
	if completed <= 0 {
		return 0
	}
	pct := int(math.Round(float64(completed) * 100 / float64(total)))
	return min(pct, 100)
}

// ValidateTickets audits the ticket migration.
func (a *Auditor) ValidateTickets(ctx context.Context) (*Report, error) {
	total, err := a.source.CountTickets(ctx)
	if err != nil {
		return nil, err
	}
	return a.audit(ctx, ledger.DomainTickets, total, func(db *gorm.DB) *gorm.DB {
		return db.Model(&entities.Task{})
	})
}

// ValidateReference audits one reference domain. Target rows are the records of
// the workspace whose slug is the domain name.
func (a *Auditor) ValidateReference(ctx context.Context, domain string) (*Report, error) {
	total, err := a.source.CountReference(ctx, domain)
	if err != nil {
		return nil, err
	}
	return a.audit(ctx, domain, total, func(db *gorm.DB) *gorm.DB {
		workspace := db.Session(&gorm.Session{NewDB: true}).
			Model(&entities.Workspace{}).
			Select("id").
			Where("slug = ?", domain)
		return db.Model(&entities.WorkspaceRecord{}).Where("workspace_id IN (?)", workspace)
	})
}

func (a *Auditor) audit(ctx context.Context, domain string, sourceTotal int64, targets func(*gorm.DB) *gorm.DB) (*Report, error) {
	start := time.Now()
	db := a.db.WithContext(ctx)

	report := &Report{Domain: domain, SourceTotal: sourceTotal}

	if err := targets(db).Count(&report.TargetTotal).Error; err != nil {
		return nil, auditError(err, "count_target", domain)
	}

	counts, err := a.ledger.Count(ctx, domain)
	if err != nil {
		return nil, err
	}
	report.Completed = counts.Completed
	report.Failed = counts.Failed
	report.CoveragePercent = Coverage(counts.Completed, sourceTotal)

	sample, err := a.ledger.SampleCompleted(ctx, domain, a.sampleSize)
	if err != nil {
		return nil, err
	}
	report.Sampled = len(sample)

	if len(sample) > 0 {
		ids := make([]string, 0, len(sample))
		for i := range sample {
			ids = append(ids, sample[i].TargetID)
		}
		var found int64
		if err := targets(db).Where("id IN ?", ids).Count(&found).Error; err != nil {
			return nil, auditError(err, "spot_check", domain)
		}
		report.IntegrityErrors = len(sample) - int(found)
	}

	report.CheckedAt = time.Now()
	if a.metrics != nil {
		a.metrics.RecordAudit(domain, report.CoveragePercent, report.Sampled, report.IntegrityErrors)
	}

	a.logger.Info("audit completed",
		logger.String("domain", domain),
		logger.Int64("source_total", report.SourceTotal),
		logger.Int64("target_total", report.TargetTotal),
		logger.Int64("completed", report.Completed),
		logger.Int64("failed", report.Failed),
		logger.Int("coverage_percent", report.CoveragePercent),
		logger.Int("integrity_errors", report.IntegrityErrors),
		logger.Duration("duration", time.Since(start)))

	return report, nil
}

func auditError(err error, op, domain string) error {
	return errors.New(err).
		Component("audit").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("domain", domain).
		Build()
}
