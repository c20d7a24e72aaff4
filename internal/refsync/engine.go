// Package refsync copies legacy reference tables (organizations, contacts,
// products) into workspaces of the target store.
//
// Each domain is synced with the same ledger-guarded batch pattern as the
// ticket migration, keyed by (domain, legacy id). Distinct domains may run
// concurrently; two runs of one domain may not.
package refsync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deskbridge/deskbridge/internal/audit"
	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/transform"
)

// Defaults for reference runs.
const (
	DefaultBatchSize        = 200
	DefaultRelationCacheTTL = 10 * time.Minute
)

var (
	// ErrUnknownDomain is returned for a domain without a definition.
	ErrUnknownDomain = errors.NewStd("unknown reference domain")
	// ErrAlreadyRunning is returned when the domain is already being synced.
	ErrAlreadyRunning = errors.NewStd("reference sync already running")
)

// Progress is the state of the current or last run of one domain.
type Progress struct {
	Domain        string     `json:"domain"`
	Total         int        `json:"total"`
	Processed     int        `json:"processed"`
	Skipped       int        `json:"skipped"`
	Failed        int        `json:"failed"`
	FailedBatches int        `json:"failedBatches"`
	LinksCreated  int        `json:"linksCreated"`
	LinksMissing  int        `json:"linksMissing"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	IsRunning     bool       `json:"isRunning"`
	Error         string     `json:"error,omitempty"`
}

// Config configures an Engine.
type Config struct {
	Source    legacy.Source
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Maps      transform.ValueMaps
	Auditor   *audit.Auditor
	Locker    runlock.Locker
	Metrics   *metrics.ReferenceMetrics
	Logger    logger.Logger
	BatchSize int
	// RelationCacheTTL bounds how long resolved relation targets are reused.
	RelationCacheTTL time.Duration
}

// Engine syncs reference domains.
type Engine struct {
	source    legacy.Source
	db        *gorm.DB
	ledger    *ledger.Ledger
	maps      transform.ValueMaps
	auditor   *audit.Auditor
	locker    runlock.Locker
	metrics   *metrics.ReferenceMetrics
	logger    logger.Logger
	batchSize int
	targets   *gocache.Cache

	mu       sync.RWMutex
	progress map[string]*Progress
	wg       sync.WaitGroup
}

// New creates an Engine.
func New(cfg *Config) (*Engine, error) {
	if cfg.Source == nil || cfg.DB == nil {
		return nil, fmt.Errorf("reference sync requires a source and a target database")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("refsync")
	}
	maps := cfg.Maps
	if maps == nil {
		var err error
		if maps, err = transform.LoadValueMaps(""); err != nil {
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
	ttl := cfg.RelationCacheTTL
	if ttl <= 0 {
		ttl = DefaultRelationCacheTTL
	}

	return &Engine{
		source:    cfg.Source,
		db:        cfg.DB,
		ledger:    l,
		maps:      maps,
		auditor:   auditor,
		locker:    locker,
		metrics:   cfg.Metrics,
		logger:    log,
		batchSize: batchSize,
		targets:   gocache.New(ttl, 0),
		progress:  make(map[string]*Progress),
	}, nil
}

// EnsureWorkspace returns the workspace of domain, creating it with the
// domain's field schema on first use.
func (e *Engine) EnsureWorkspace(ctx context.Context, domain string) (*entities.Workspace, error) {
	d, ok := LookupDomain(domain)
	if !ok {
		return nil, unknownDomain(domain)
	}
	db := e.db.WithContext(ctx)

	candidate := entities.Workspace{
		ID:     uuid.NewString(),
		Slug:   d.Name,
		Name:   d.Label,
		Fields: d.Fields,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return nil, refError(err, domain, "create_workspace")
	}

	var ws entities.Workspace
	if err := db.Where("slug = ?", d.Name).Take(&ws).Error; err != nil {
		return nil, refError(err, domain, "load_workspace")
	}
	return &ws, nil
}

// Start acquires the domain guard and syncs it in the background.
func (e *Engine) Start(ctx context.Context, domain string, batchSize int) error {
	d, ok := LookupDomain(domain)
	if !ok {
		return unknownDomain(domain)
	}
	if err := e.acquire(ctx, d.Name); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(d.Name)
		if _, err := e.run(context.WithoutCancel(ctx), d, batchSize); err != nil {
			e.logger.Error("reference sync failed", logger.String("domain", d.Name), logger.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every background run started with Start has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Sync runs one domain to completion. Record and batch failures are reported
// in the returned progress; the error is reserved for runs that could not
// proceed.
func (e *Engine) Sync(ctx context.Context, domain string, batchSize int) (Progress, error) {
	d, ok := LookupDomain(domain)
	if !ok {
		return Progress{}, unknownDomain(domain)
	}
	if err := e.acquire(ctx, d.Name); err != nil {
		return Progress{}, err
	}
	defer e.release(d.Name)
	return e.run(ctx, d, batchSize)
}

// SyncAll syncs every domain. Independent domains run concurrently; a domain
// starts after the domains it links to.
func (e *Engine) SyncAll(ctx context.Context, batchSize int) (map[string]Progress, error) {
	results := make(map[string]Progress, len(domains))
	var mu sync.Mutex
	var errs []error

	for _, wave := range waves(Domains()) {
		var g errgroup.Group
		for _, name := range wave {
			g.Go(func() error {
				p, err := e.Sync(ctx, name, batchSize)
				mu.Lock()
				results[name] = p
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// Progress returns a copy of the progress of domain.
func (e *Engine) Progress(domain string) (Progress, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.progress[domain]
	if !ok {
		return Progress{}, false
	}
	return copyProgress(p), true
}

// AllProgress returns a copy of the progress of every domain that has run.
func (e *Engine) AllProgress() map[string]Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Progress, len(e.progress))
	for name, p := range e.progress {
		out[name] = copyProgress(p)
	}
	return out
}

// Validate audits one domain.
func (e *Engine) Validate(ctx context.Context, domain string) (*audit.Report, error) {
	if _, ok := LookupDomain(domain); !ok {
		return nil, unknownDomain(domain)
	}
	return e.auditor.ValidateReference(ctx, domain)
}

func (e *Engine) acquire(ctx context.Context, domain string) error {
	e.mu.RLock()
	p, ok := e.progress[domain]
	running := ok && p.IsRunning
	e.mu.RUnlock()
	if running {
		return ErrAlreadyRunning
	}

	locked, err := e.locker.TryLock(ctx, domain)
	if err != nil {
		return err
	}
	if !locked {
		return ErrAlreadyRunning
	}

	now := time.Now()
	e.mu.Lock()
	e.progress[domain] = &Progress{Domain: domain, StartedAt: &now, IsRunning: true}
	e.mu.Unlock()
	return nil
}

func (e *Engine) release(domain string) {
	if err := e.locker.Unlock(context.Background(), domain); err != nil {
		e.logger.Warn("failed to release run lock", logger.String("domain", domain), logger.Error(err))
	}
}

func (e *Engine) update(domain string, fn func(p *Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.progress[domain]; ok {
		fn(p)
	}
}

// run is the batch loop of one domain. The caller holds the domain guard.
func (e *Engine) run(ctx context.Context, d *Domain, batchSize int) (result Progress, runErr error) {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = e.batchSize
	}

	defer func() {
		now := time.Now()
		e.update(d.Name, func(p *Progress) {
			p.IsRunning = false
			p.CompletedAt = &now
			if runErr != nil {
				p.Error = runErr.Error()
			}
			result = copyProgress(p)
		})
		if e.metrics != nil {
			e.metrics.RecordDomainDuration(d.Name, time.Since(start).Seconds())
		}
		e.logger.Info("reference sync finished",
			logger.String("domain", d.Name),
			logger.Int("processed", result.Processed),
			logger.Int("skipped", result.Skipped),
			logger.Int("failed", result.Failed),
			logger.Int("links_missing", result.LinksMissing),
			logger.Duration("duration", time.Since(start)))
	}()

	ws, err := e.EnsureWorkspace(ctx, d.Name)
	if err != nil {
		return result, err
	}

	total, err := e.source.CountReference(ctx, d.Name)
	if err != nil {
		return result, err
	}
	e.update(d.Name, func(p *Progress) { p.Total = int(total) })

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rows, err := e.source.ReferenceAfter(ctx, d.Name, afterID, batchSize)
		if err != nil {
			return result, err
		}
		if len(rows) == 0 {
			return result, nil
		}
		afterID = rows[len(rows)-1].ID

		res, batchErr := e.processBatch(ctx, d, ws, rows)
		if batchErr != nil {
			e.logger.Error("reference batch rolled back",
				logger.String("domain", d.Name),
				logger.Int64("first_id", rows[0].ID),
				logger.Int64("last_id", afterID),
				logger.Error(batchErr))
		}
		e.update(d.Name, func(p *Progress) {
			p.Processed += res.processed
			p.Skipped += res.skipped
			p.Failed += res.failed
			p.LinksCreated += res.linked
			p.LinksMissing += res.missing
			if batchErr != nil {
				p.FailedBatches++
			}
		})
	}
}

type batchResult struct {
	processed, skipped, failed int
	linked, missing            int
}

// processBatch writes one page of rows in a transaction with a savepoint per
// row. Relation targets are resolved before the transaction opens.
func (e *Engine) processBatch(ctx context.Context, d *Domain, ws *entities.Workspace, rows []legacy.ReferenceRow) (batchResult, error) {
	var res batchResult

	links, err := e.resolveRelations(ctx, d, rows)
	if err != nil {
		return e.markRolledBack(ctx, d, rows, err), err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = batchResult{}
		l := e.ledger.WithTx(tx)

		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		existing, err := l.Existing(ctx, d.Name, ids)
		if err != nil {
			return err
		}

		for i := range rows {
			row := &rows[i]
			if _, ok := existing[row.ID]; ok {
				res.skipped++
				continue
			}

			written, err := e.writeRow(ctx, tx, d, ws, row, links)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.logger.Warn("reference record failed",
					logger.String("domain", d.Name),
					logger.Int64("legacy_id", row.ID),
					logger.Error(err))
				if _, lerr := l.RecordFailed(ctx, d.Name, row.ID, err); lerr != nil {
					return lerr
				}
				res.failed++
				continue
			}
			if written.absorbed {
				res.skipped++
			} else {
				res.processed++
			}
			res.linked += written.linked
			res.missing += written.missing
		}
		return nil
	})
	if err != nil {
		return e.markRolledBack(ctx, d, rows, err), err
	}
	e.recordBatch(d.Name, res)
	return res, nil
}

// rowResult describes a committed row write.
type rowResult struct {
	linked, missing int
	// absorbed is set when the record already existed under its natural key.
	absorbed bool
}

// writeRow writes one record, its relation links and its ledger row inside a
// savepoint.
func (e *Engine) writeRow(ctx context.Context, tx *gorm.DB, d *Domain, ws *entities.Workspace, row *legacy.ReferenceRow, links relationTargets) (rowResult, error) {
	var out rowResult
	err := tx.Transaction(func(rtx *gorm.DB) error {
		out = rowResult{}
		values := e.values(d, row)
		title, _ := values[d.TitleField].(string)
		title = transform.Truncate(title, transform.MaxTitleLength)
		if title == "" {
			title = transform.NaturalKey(d.Prefix, row.ID)
		}

		record := entities.WorkspaceRecord{
			ID:          uuid.NewString(),
			WorkspaceID: ws.ID,
			NaturalKey:  transform.NaturalKey(d.Prefix, row.ID),
			Title:       title,
			Values:      values,
		}

		type pendingLink struct{ field, to string }
		var pending []pendingLink
		for _, rel := range d.Relations {
			ref, ok := referencedID(row.Values[rel.SourceKey])
			if !ok {
				continue
			}
			to, ok := links.lookup(rel.Domain, ref)
			if !ok {
				out.missing++
				continue
			}
			record.Values[rel.Field] = to
			pending = append(pending, pendingLink{field: rel.Field, to: to})
		}

		created := rtx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "natural_key"}},
			DoNothing: true,
		}).Create(&record)
		if created.Error != nil {
			return refError(created.Error, d.Name, "insert_record")
		}
		if created.RowsAffected == 0 {
			out.absorbed = true
			var existing entities.WorkspaceRecord
			if err := rtx.Select("id").Where("natural_key = ?", record.NaturalKey).Take(&existing).Error; err != nil {
				return refError(err, d.Name, "load_existing_record")
			}
			record.ID = existing.ID
		}

		for _, pl := range pending {
			link := entities.RecordLink{FromRecordID: record.ID, Field: pl.field, ToRecordID: pl.to}
			linkResult := rtx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "from_record_id"}, {Name: "field"}},
				DoNothing: true,
			}).Create(&link)
			if linkResult.Error != nil {
				return refError(linkResult.Error, d.Name, "insert_link")
			}
			if linkResult.RowsAffected > 0 {
				out.linked++
			}
		}

		_, err := e.ledger.WithTx(rtx).RecordCompleted(ctx, d.Name, row.ID, record.ID, out.linked)
		return err
	})
	if err != nil {
		return rowResult{}, err
	}
	return out, nil
}

// values builds the stored field values of a row: mapped enums, no raw
// relation keys, plus the legacy id.
func (e *Engine) values(d *Domain, row *legacy.ReferenceRow) map[string]any {
	out := make(map[string]any, len(row.Values)+1)
	for k, v := range row.Values {
		out[k] = v
	}
	for _, rel := range d.Relations {
		delete(out, rel.SourceKey)
	}
	for field, mapName := range d.ValueMaps {
		if s, ok := out[field].(string); ok {
			out[field] = e.maps.Map(mapName, s)
		}
	}
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = transform.CleanText(s)
		}
	}
	out["legacy_id"] = row.ID
	return out
}

func (e *Engine) markRolledBack(ctx context.Context, d *Domain, rows []legacy.ReferenceRow, cause error) batchResult {
	var res batchResult
	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	existing, err := e.ledger.Existing(ctx, d.Name, ids)
	if err != nil {
		e.logger.Warn("failed to read ledger after rollback", logger.String("domain", d.Name), logger.Error(err))
		existing = nil
	}
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			res.skipped++
			continue
		}
		res.failed++
		e.recordOutcome(d.Name, metrics.OutcomeFailed)
		if _, err := e.ledger.RecordFailed(ctx, d.Name, id, cause); err != nil {
			e.logger.Debug("could not record failed reference row after rollback",
				logger.String("domain", d.Name),
				logger.Int64("legacy_id", id),
				logger.Error(err))
		}
	}
	return res
}

func (e *Engine) recordOutcome(domain, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordRecord(domain, outcome)
	}
}

// recordBatch counts the outcomes and links of a committed batch.
func (e *Engine) recordBatch(domain string, res batchResult) {
	if e.metrics == nil {
		return
	}
	for range res.processed {
		e.metrics.RecordRecord(domain, metrics.OutcomeCompleted)
	}
	for range res.skipped {
		e.metrics.RecordRecord(domain, metrics.OutcomeSkipped)
	}
	for range res.failed {
		e.metrics.RecordRecord(domain, metrics.OutcomeFailed)
	}
	for range res.linked {
		e.metrics.RecordLink(domain, true)
	}
	for range res.missing {
		e.metrics.RecordLink(domain, false)
	}
}

func copyProgress(p *Progress) Progress {
	out := *p
	if p.StartedAt != nil {
		at := *p.StartedAt
		out.StartedAt = &at
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func unknownDomain(domain string) error {
	return errors.New(ErrUnknownDomain).
		Component("refsync").
		Category(errors.CategoryValidation).
		Context("domain", domain).
		Build()
}

func refError(err error, domain, op string) error {
	return errors.New(err).
		Component("refsync").
		Category(errors.CategorySync).
		Context("domain", domain).
		Context("operation", op).
		Build()
}

func cacheKey(domain string, id int64) string {
	return domain + ":" + strconv.FormatInt(id, 10)
}
