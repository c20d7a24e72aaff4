// Package migration runs the full historical backfill of legacy tickets.
package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/audit"
	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/transform"
)

// DefaultBatchSize is the default number of tickets per batch.
const DefaultBatchSize = 100

// LockKey is the run guard key shared by the full migration and the incremental sync.
const LockKey = ledger.DomainTickets

var (
	// ErrAlreadyRunning is returned when a run for the ticket domain is active.
	ErrAlreadyRunning = errors.NewStd("migration already running")
	// ErrSourceUnavailable is returned when the legacy store cannot be reached.
	ErrSourceUnavailable = errors.NewStd("legacy source unavailable")
)

// StartOptions configures one run.
type StartOptions struct {
	BatchSize   int  `json:"batchSize"`
	MaxRequests int  `json:"maxRequests"` // 0 = all tickets
	DryRun      bool `json:"dryRun"`
}

// Progress is a snapshot of the current or last run.
type Progress struct {
	Total           int        `json:"total"`
	Processed       int        `json:"processed"`
	Skipped         int        `json:"skipped"`
	Failed          int        `json:"failed"`
	CommentsCreated int        `json:"commentsCreated"`
	FailedBatches   int        `json:"failedBatches"`
	CurrentBatch    int        `json:"currentBatch"`
	TotalBatches    int        `json:"totalBatches"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	IsRunning       bool       `json:"isRunning"`
	DryRun          bool       `json:"dryRun"`
	Stopped         bool       `json:"stopped"`
	Error           string     `json:"error,omitempty"`
}

// Config configures an Orchestrator.
type Config struct {
	Source    legacy.Source
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Mapper    *identity.Mapper
	Engine    *transform.Engine
	Auditor   *audit.Auditor
	Locker    runlock.Locker
	Metrics   *metrics.MigrationMetrics
	Logger    logger.Logger
	BatchSize int
	// BatchesPerSec limits the batch rate; 0 disables pacing.
	BatchesPerSec float64
}

// Orchestrator drives full migration runs. Runs execute one batch at a time
// in a background goroutine; at most one run is active per process and, with a
// shared locker, per target store.
type Orchestrator struct {
	source        legacy.Source
	db            *gorm.DB
	ledger        *ledger.Ledger
	mapper        *identity.Mapper
	auditor       *audit.Auditor
	locker        runlock.Locker
	metrics       *metrics.MigrationMetrics
	logger        logger.Logger
	processor     *Processor
	engine        *transform.Engine
	batchSize     int
	batchesPerSec float64

	mu       sync.RWMutex
	progress Progress
	done     chan struct{}
	stop     atomic.Bool
}

// New creates an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg.Source == nil || cfg.DB == nil || cfg.Mapper == nil {
		return nil, fmt.Errorf("migration requires a source, a target database and an identity mapper")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("migration")
	}
	engine := cfg.Engine
	if engine == nil {
		var err error
		if engine, err = transform.NewEngine(nil); err != nil {
			return nil, err
		}
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.New(cfg.DB)
	}
	auditor := cfg.Auditor
	if auditor == nil {
		auditor = audit.New(&audit.Config{Source: cfg.Source, DB: cfg.DB, Ledger: l, Logger: log})
	}
	locker := cfg.Locker
	if locker == nil {
		locker = runlock.NewMemory()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	done := make(chan struct{})
	close(done)

	return &Orchestrator{
		source:        cfg.Source,
		db:            cfg.DB,
		ledger:        l,
		mapper:        cfg.Mapper,
		auditor:       auditor,
		locker:        locker,
		metrics:       cfg.Metrics,
		logger:        log,
		processor:     NewProcessor(cfg.Source, engine, l, log),
		engine:        engine,
		batchSize:     batchSize,
		batchesPerSec: cfg.BatchesPerSec,
		done:          done,
	}, nil
}

// Processor returns the per-record writer shared with the incremental sync.
func (o *Orchestrator) Processor() *Processor {
	return o.processor
}

// Locker returns the run guard.
func (o *Orchestrator) Locker() runlock.Locker {
	return o.locker
}

// plan is the validated shape of a run.
type plan struct {
	batchSize    int
	total        int
	totalBatches int
	dryRun       bool
}

// Start validates preconditions and launches a run in the background.
// A dry run only computes counts and returns with a terminal progress.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (string, error) {
	if o.IsRunning() {
		return "", ErrAlreadyRunning
	}

	if err := o.source.Ping(ctx); err != nil {
		return "", errors.New(ErrSourceUnavailable).
			Component("migration").
			Category(errors.CategoryLegacySource).
			Context("cause", err.Error()).
			Build()
	}

	p, err := o.plan(ctx, opts)
	if err != nil {
		return "", err
	}

	if p.dryRun {
		return o.dryRun(ctx, p)
	}

	ok, err := o.locker.TryLock(ctx, LockKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrAlreadyRunning
	}

	now := time.Now()
	o.mu.Lock()
	o.progress = Progress{
		Total:        p.total,
		TotalBatches: p.totalBatches,
		StartedAt:    &now,
		IsRunning:    true,
	}
	o.done = make(chan struct{})
	o.stop.Store(false)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetRunning(true)
		o.metrics.SetProgress(0, p.total)
	}

	o.logger.Info("migration started",
		logger.Int("total", p.total),
		logger.Int("batch_size", p.batchSize),
		logger.Int("total_batches", p.totalBatches))

	// The run outlives the request that started it.
	go o.run(context.WithoutCancel(ctx), p)

	return fmt.Sprintf("migration started: %d tickets in %d batches of %d", p.total, p.totalBatches, p.batchSize), nil
}

func (o *Orchestrator) plan(ctx context.Context, opts StartOptions) (plan, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = o.batchSize
	}
	count, err := o.source.CountTickets(ctx)
	if err != nil {
		return plan{}, err
	}
	total := int(count)
	if opts.MaxRequests > 0 && opts.MaxRequests < total {
		total = opts.MaxRequests
	}
	return plan{
		batchSize:    batchSize,
		total:        total,
		totalBatches: (total + batchSize - 1) / batchSize,
		dryRun:       opts.DryRun,
	}, nil
}

// dryRun reports what a run would do. It reads the ledger but writes nothing.
func (o *Orchestrator) dryRun(ctx context.Context, p plan) (string, error) {
	counts, err := o.ledger.Count(ctx, ledger.DomainTickets)
	if err != nil {
		return "", err
	}

	now := time.Now()
	o.mu.Lock()
	// A real run may have started while the dry run was counting.
	if o.progress.IsRunning {
		o.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	o.progress = Progress{
		Total:        p.total,
		TotalBatches: p.totalBatches,
		StartedAt:    &now,
		CompletedAt:  &now,
		DryRun:       true,
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordRun(metrics.StatusSuccess, true)
	}

	pending := max(p.total-int(counts.Completed+counts.Failed), 0)
	return fmt.Sprintf("dry run: %d tickets in %d batches of %d, %d completed and %d failed in ledger, about %d pending",
		p.total, p.totalBatches, p.batchSize, counts.Completed, counts.Failed, pending), nil
}

// run is the batch loop.
func (o *Orchestrator) run(ctx context.Context, p plan) {
	o.mu.RLock()
	done := o.done
	o.mu.RUnlock()

	var runErr error
	defer func() {
		if err := o.locker.Unlock(context.Background(), LockKey); err != nil {
			o.logger.Warn("failed to release run lock", logger.Error(err))
		}

		now := time.Now()
		o.mu.Lock()
		o.progress.IsRunning = false
		o.progress.CompletedAt = &now
		if runErr != nil {
			o.progress.Error = runErr.Error()
		}
		snapshot := o.progress
		o.mu.Unlock()

		if o.metrics != nil {
			o.metrics.SetRunning(false)
			status := metrics.StatusSuccess
			if runErr != nil {
				status = metrics.StatusError
			}
			o.metrics.RecordRun(status, false)
		}

		o.logger.Info("migration finished",
			logger.Int("processed", snapshot.Processed),
			logger.Int("skipped", snapshot.Skipped),
			logger.Int("failed", snapshot.Failed),
			logger.Int("comments", snapshot.CommentsCreated),
			logger.Int("failed_batches", snapshot.FailedBatches),
			logger.Bool("stopped", snapshot.Stopped))
		close(done)
	}()

	ids, err := o.mapper.BuildMapping(ctx)
	if err != nil {
		runErr = err
		o.logger.Error("failed to build identity mapping", logger.Error(err))
		return
	}

	var limiter *rate.Limiter
	if o.batchesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.batchesPerSec), 1)
	}

	var lastID int64
	remaining := p.total
	for batch := 1; remaining > 0; batch++ {
		if o.stop.Load() {
			o.mu.Lock()
			o.progress.Stopped = true
			o.mu.Unlock()
			o.logger.Info("migration stopped at batch boundary", logger.Int("next_batch", batch))
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				runErr = err
				return
			}
		}

		tickets, err := o.source.TicketsAfter(ctx, lastID, min(p.batchSize, remaining))
		if err != nil {
			runErr = err
			o.logger.Error("failed to fetch batch", logger.Int("batch", batch), logger.Error(err))
			return
		}
		if len(tickets) == 0 {
			return
		}

		res, batchErr := o.processBatch(ctx, tickets, ids)
		if batchErr != nil {
			o.logger.Error("batch rolled back",
				logger.Int("batch", batch),
				logger.Int64("first_id", tickets[0].ID),
				logger.Int64("last_id", tickets[len(tickets)-1].ID),
				logger.Error(batchErr))
		}

		lastID = tickets[len(tickets)-1].ID
		remaining -= len(tickets)

		o.mu.Lock()
		o.progress.CurrentBatch = batch
		o.progress.Processed += res.Processed
		o.progress.Skipped += res.Skipped
		o.progress.Failed += res.Failed
		o.progress.CommentsCreated += res.Comments
		if batchErr != nil {
			o.progress.FailedBatches++
		}
		handled := o.progress.Processed + o.progress.Skipped + o.progress.Failed
		o.mu.Unlock()

		if o.metrics != nil {
			o.metrics.SetProgress(handled, p.total)
		}
	}
}

// processBatch runs one batch transaction. On rollback every ticket without a
// ledger row is counted failed and recorded as such on a best-effort basis.
func (o *Orchestrator) processBatch(ctx context.Context, tickets []legacy.Ticket, ids *identity.IdentityMap) (BatchResult, error) {
	start := time.Now()

	var res BatchResult
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = o.processor.Process(ctx, tx, tickets, ids)
		return err
	})

	if err == nil {
		if o.metrics != nil {
			o.metrics.RecordBatch(metrics.StatusCommitted, time.Since(start).Seconds())
			recordOutcomes(o.metrics, res)
		}
		return res, nil
	}

	if o.metrics != nil {
		o.metrics.RecordBatch(metrics.StatusRolledBack, time.Since(start).Seconds())
	}
	return o.markRolledBack(ctx, tickets, err), err
}

func (o *Orchestrator) markRolledBack(ctx context.Context, tickets []legacy.Ticket, cause error) BatchResult {
	var res BatchResult

	all := ticketIDs(tickets)
	existing, err := o.ledger.Existing(ctx, ledger.DomainTickets, all)
	if err != nil {
		o.logger.Warn("failed to read ledger after rollback", logger.Error(err))
		existing = nil
	}

	for _, id := range all {
		if _, ok := existing[id]; ok {
			res.Skipped++
			continue
		}
		res.Failed++
		res.FailedIDs = append(res.FailedIDs, id)
		if _, err := o.ledger.RecordFailed(ctx, ledger.DomainTickets, id, cause); err != nil {
			o.logger.Debug("could not record failed ticket after rollback",
				logger.Int64("legacy_id", id),
				logger.Error(err))
		}
	}
	if o.metrics != nil {
		recordOutcomes(o.metrics, res)
	}
	return res
}

func recordOutcomes(m *metrics.MigrationMetrics, res BatchResult) {
	for range res.Processed {
		m.RecordRecord(metrics.OutcomeCompleted)
	}
	for range res.Skipped {
		m.RecordRecord(metrics.OutcomeSkipped)
	}
	for range res.Failed {
		m.RecordRecord(metrics.OutcomeFailed)
	}
	m.RecordComments(res.Comments)
}

// Progress returns a copy of the current progress.
func (o *Orchestrator) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := o.progress
	if p.StartedAt != nil {
		at := *p.StartedAt
		p.StartedAt = &at
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		p.CompletedAt = &at
	}
	return p
}

// IsRunning reports whether a run is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress.IsRunning
}

// Stop asks the active run to halt before its next batch and returns
// immediately. It reports whether a run was active.
func (o *Orchestrator) Stop() bool {
	if !o.IsRunning() {
		return false
	}
	o.stop.Store(true)
	o.logger.Info("migration stop requested")
	return true
}

// Wait blocks until the active run, if any, has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.RLock()
	done := o.done
	o.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Validate audits the ticket migration.
func (o *Orchestrator) Validate(ctx context.Context) (*audit.Report, error) {
	return o.auditor.ValidateTickets(ctx)
}

// Log lists ledger entries of the ticket domain.
func (o *Orchestrator) Log(ctx context.Context, f ledger.Filter) ([]entities.LedgerEntry, int64, error) {
	f.Domain = ledger.DomainTickets
	return o.ledger.List(ctx, f)
}
