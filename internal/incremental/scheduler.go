// Package incremental keeps migrated tickets in step with the legacy store by
// polling for changes on a fixed interval.
package incremental

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/transform"
)

// Defaults for the polling loop.
const (
	DefaultInterval = 5 * time.Minute
	DefaultOverlap  = 2 * time.Minute
)

// TickResult counts what one tick did. A skipped tick returns the zero value
// with Busy set.
type TickResult struct {
	New      int  `json:"new"`
	Updated  int  `json:"updated"`
	Errors   int  `json:"errors"`
	Comments int  `json:"comments"`
	Busy     bool `json:"busy,omitempty"`
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Cursor     time.Time  `json:"cursor"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
	LastResult TickResult `json:"lastResult"`
	LastError  string     `json:"lastError,omitempty"`
	Ticks      int        `json:"ticks"`
	InFlight   bool       `json:"inFlight"`
	Interval   string     `json:"interval"`
}

// Config configures a Scheduler.
type Config struct {
	Source    legacy.Source
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Mapper    *identity.Mapper
	Engine    *transform.Engine
	Processor *migration.Processor
	Locker    runlock.Locker
	Metrics   *metrics.SyncMetrics
	Logger    logger.Logger
	Interval  time.Duration
	// Overlap is re-scanned before the cursor on every tick.
	Overlap time.Duration
	// InitialCursor overrides the cursor derived from the ledger.
	InitialCursor time.Time
}

// Scheduler runs sync ticks. Ticks never overlap and never run while a full
// migration holds the ticket guard.
type Scheduler struct {
	source    legacy.Source
	db        *gorm.DB
	ledger    *ledger.Ledger
	mapper    *identity.Mapper
	engine    *transform.Engine
	processor *migration.Processor
	locker    runlock.Locker
	metrics   *metrics.SyncMetrics
	logger    logger.Logger
	interval  time.Duration
	overlap   time.Duration
	now       func() time.Time

	inFlight atomic.Bool

	mu            sync.RWMutex
	cursor        time.Time
	cursorSet     bool
	initialCursor time.Time
	lastTickAt    *time.Time
	lastResult    TickResult
	lastError     string
	ticks         int
}

// New creates a Scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg.Source == nil || cfg.DB == nil || cfg.Mapper == nil {
		return nil, fmt.Errorf("incremental sync requires a source, a target database and an identity mapper")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("incremental")
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
	processor := cfg.Processor
	if processor == nil {
		processor = migration.NewProcessor(cfg.Source, engine, l, log)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = runlock.NewMemory()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	overlap := cfg.Overlap
	if overlap < 0 {
		overlap = 0
	}

	return &Scheduler{
		source:        cfg.Source,
		db:            cfg.DB,
		ledger:        l,
		mapper:        cfg.Mapper,
		engine:        engine,
		processor:     processor,
		locker:        locker,
		metrics:       cfg.Metrics,
		logger:        log,
		interval:      interval,
		overlap:       overlap,
		now:           time.Now,
		initialCursor: cfg.InitialCursor,
	}, nil
}

// Run ticks every interval until ctx is done. Tick errors are logged and the
// loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("incremental sync started", logger.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("incremental sync stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("sync tick failed", logger.Error(err))
			}
		}
	}
}

// Tick performs one sync pass. It returns immediately with an empty result
// when another tick is in flight or a full run holds the guard. The cursor only
// advances when the tick succeeds.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return TickResult{Busy: true}, nil
	}
	defer s.inFlight.Store(false)

	start := s.now()

	ok, err := s.locker.TryLock(ctx, migration.LockKey)
	if err != nil {
		return TickResult{}, s.finish(start, TickResult{}, err)
	}
	if !ok {
		s.logger.Debug("sync tick skipped, ticket guard is held")
		if s.metrics != nil {
			s.metrics.RecordTick(metrics.StatusBusy, 0)
		}
		return TickResult{Busy: true}, nil
	}
	defer func() {
		if err := s.locker.Unlock(context.Background(), migration.LockKey); err != nil {
			s.logger.Warn("failed to release run lock", logger.Error(err))
		}
	}()

	res, err := s.tick(ctx, start)
	return res, s.finish(start, res, err)
}

func (s *Scheduler) tick(ctx context.Context, start time.Time) (TickResult, error) {
	var res TickResult

	cursor, err := s.Cursor(ctx)
	if err != nil {
		return res, err
	}
	since := cursor.Add(-s.overlap)

	tickets, err := s.source.TicketsModifiedSince(ctx, since)
	if err != nil {
		return res, syncError(err, "fetch_modified")
	}
	if len(tickets) == 0 {
		s.advance(start)
		return res, nil
	}

	ids, err := s.mapper.Mapping(ctx)
	if err != nil {
		return res, err
	}

	all := make([]int64, len(tickets))
	for i := range tickets {
		all[i] = tickets[i].ID
	}
	existing, err := s.ledger.Existing(ctx, ledger.DomainTickets, all)
	if err != nil {
		return res, err
	}

	var fresh, known []legacy.Ticket
	for i := range tickets {
		entry, ok := existing[tickets[i].ID]
		switch {
		case !ok:
			fresh = append(fresh, tickets[i])
		case entry.Completed():
			known = append(known, tickets[i])
		}
		// Failed entries wait for retry-failed.
	}

	if len(fresh) > 0 {
		var batch migration.BatchResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			batch, err = s.processor.Process(ctx, tx, fresh, ids)
			return err
		})
		if err != nil {
			return res, syncError(err, "create_new")
		}
		res.New = batch.Processed
		res.Errors += batch.Failed
		res.Comments += batch.Comments
	}

	if len(known) > 0 {
		knownIDs := make([]int64, len(known))
		for i := range known {
			knownIDs[i] = known[i].ID
		}
		answers, err := s.source.AnswersSince(ctx, knownIDs, since)
		if err != nil {
			return res, syncError(err, "fetch_answers")
		}
		for i := range known {
			t := &known[i]
			entry := existing[t.ID]
			added, err := s.patch(ctx, t, &entry, answers[t.ID], ids)
			if err != nil {
				res.Errors++
				s.logger.Warn("failed to patch migrated ticket",
					logger.Int64("legacy_id", t.ID),
					logger.String("task_id", entry.TargetID),
					logger.Error(err))
				continue
			}
			res.Updated++
			res.Comments += added
		}
	}

	s.advance(start)
	return res, nil
}

// patch updates status fields of an existing task and appends answers that
// have no comment with the same task and creation time yet.
func (s *Scheduler) patch(ctx context.Context, t *legacy.Ticket, entry *entities.LedgerEntry, answers []legacy.Answer, ids *identity.IdentityMap) (int, error) {
	status, resolvedAt := s.engine.TicketStatus(t)
	added := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task entities.Task
		if err := tx.Select("id", "first_response_at").Where("id = ?", entry.TargetID).Take(&task).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"status":      status,
			"resolved_at": resolvedAt,
			"updated_at":  t.UpdatedAt,
		}

		for _, c := range s.engine.Comments(task.ID, answers, ids) {
			var n int64
			if err := tx.Model(&entities.TaskComment{}).
				Where("task_id = ? AND created_at = ?", task.ID, c.CreatedAt.UTC()).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
			added++
		}

		if added > 0 {
			updates["comment_count"] = gorm.Expr("comment_count + ?", added)
			if first := transform.FirstResponse(answers, ids); first != nil &&
				(task.FirstResponseAt == nil || first.Before(*task.FirstResponseAt)) {
				updates["first_response_at"] = *first
			}
		}

		return tx.Model(&entities.Task{}).Where("id = ?", task.ID).Updates(updates).Error
	})
	if err != nil {
		return 0, syncError(err, "patch")
	}
	return added, nil
}

func (s *Scheduler) finish(start time.Time, res TickResult, err error) error {
	now := s.now()
	s.mu.Lock()
	s.ticks++
	s.lastTickAt = &now
	s.lastResult = res
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	cursor := s.cursor
	s.mu.Unlock()

	if s.metrics != nil {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
		}
		s.metrics.RecordTick(status, time.Since(start).Seconds())
		s.metrics.RecordActions(metrics.ActionCreated, res.New)
		s.metrics.RecordActions(metrics.ActionPatched, res.Updated)
		s.metrics.RecordActions(metrics.ActionComment, res.Comments)
		if err == nil {
			s.metrics.SetCursor(cursor.Unix(), now.Unix())
		}
	}

	if err == nil && (res.New > 0 || res.Updated > 0 || res.Errors > 0) {
		s.logger.Info("sync tick completed",
			logger.Int("new", res.New),
			logger.Int("updated", res.Updated),
			logger.Int("errors", res.Errors),
			logger.Int("comments", res.Comments))
	}
	return err
}

// Cursor returns the watermark of the next tick. Before the first tick it is
// the configured initial cursor, else the newest completed ledger entry, else
// now.
func (s *Scheduler) Cursor(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	if s.cursorSet {
		c := s.cursor
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	c := s.initialCursor
	if c.IsZero() {
		last, err := s.ledger.LastProcessedAt(ctx, ledger.DomainTickets)
		if err != nil {
			return time.Time{}, err
		}
		c = last
	}
	if c.IsZero() {
		c = s.now()
	}

	s.mu.Lock()
	if !s.cursorSet {
		s.cursor = c
		s.cursorSet = true
	}
	c = s.cursor
	s.mu.Unlock()
	return c, nil
}

func (s *Scheduler) advance(to time.Time) {
	s.mu.Lock()
	s.cursor = to
	s.cursorSet = true
	s.mu.Unlock()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Cursor:     s.cursor,
		LastResult: s.lastResult,
		LastError:  s.lastError,
		Ticks:      s.ticks,
		InFlight:   s.inFlight.Load(),
		Interval:   s.interval.String(),
	}
	if s.lastTickAt != nil {
		at := *s.lastTickAt
		st.LastTickAt = &at
	}
	return st
}

func syncError(err error, op string) error {
	return errors.New(err).
		Component("incremental").
		Category(errors.CategorySync).
		Context("operation", op).
		Build()
}
