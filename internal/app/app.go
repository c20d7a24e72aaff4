// Package app assembles the deskbridge engines from settings.
package app

import (
	"context"
	"fmt"
	"slices"

	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/audit"
	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/datastore"
	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/incremental"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/observability"
	"github.com/deskbridge/deskbridge/internal/refsync"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/transform"
)

// App holds every engine and the connections they share.
type App struct {
	Settings *conf.Settings
	Logger   logger.Logger

	LegacyDB *gorm.DB
	Source   legacy.Source
	Target   *target.Store
	Metrics  *observability.Metrics
	Locker   runlock.Locker

	Ledger    *ledger.Ledger
	Mapper    *identity.Mapper
	Engine    *transform.Engine
	Auditor   *audit.Auditor
	Migration *migration.Orchestrator
	Reference *refsync.Engine
	Scheduler *incremental.Scheduler

	closers []func() error
}

// Open connects both stores, creates the target schema and builds the engines.
// On error everything opened so far is closed again.
func Open(ctx context.Context, settings *conf.Settings, log logger.Logger) (a *App, err error) {
	if log == nil {
		log = logger.Global().Module("app")
	}
	a = &App{Settings: settings, Logger: log}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if a.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}

	if err = a.openStores(ctx); err != nil {
		return nil, err
	}

	if a.Locker, err = a.openLocker(ctx); err != nil {
		return nil, err
	}

	maps, err := transform.LoadValueMaps(settings.Reference.MappingsFile)
	if err != nil {
		return nil, err
	}
	if a.Engine, err = transform.NewEngine(maps); err != nil {
		return nil, err
	}

	db := a.Target.DB()
	a.Ledger = ledger.New(db)
	a.Mapper = identity.NewMapper(&identity.Config{
		Source:      a.Source,
		DB:          db,
		CacheTTL:    settings.Identity.CacheTTL,
		SystemEmail: settings.Identity.SystemEmail,
		SystemName:  settings.Identity.SystemName,
		Logger:      log.Module("identity"),
		Metrics:     a.Metrics.Reference,
	})
	a.Auditor = audit.New(&audit.Config{
		Source:  a.Source,
		DB:      db,
		Ledger:  a.Ledger,
		Logger:  log.Module("audit"),
		Metrics: a.Metrics.Audit,
	})

	if a.Migration, err = migration.New(&migration.Config{
		Source:        a.Source,
		DB:            db,
		Ledger:        a.Ledger,
		Mapper:        a.Mapper,
		Engine:        a.Engine,
		Auditor:       a.Auditor,
		Locker:        a.Locker,
		Metrics:       a.Metrics.Migration,
		Logger:        log.Module("migration"),
		BatchSize:     settings.Migration.BatchSize,
		BatchesPerSec: settings.Migration.BatchesPerSec,
	}); err != nil {
		return nil, err
	}

	if a.Reference, err = refsync.New(&refsync.Config{
		Source:           a.Source,
		DB:               db,
		Ledger:           a.Ledger,
		Maps:             maps,
		Auditor:          a.Auditor,
		Locker:           a.Locker,
		Metrics:          a.Metrics.Reference,
		Logger:           log.Module("refsync"),
		BatchSize:        settings.Reference.BatchSize,
		RelationCacheTTL: settings.Identity.CacheTTL,
	}); err != nil {
		return nil, err
	}

	if a.Scheduler, err = incremental.New(&incremental.Config{
		Source:    a.Source,
		DB:        db,
		Ledger:    a.Ledger,
		Mapper:    a.Mapper,
		Engine:    a.Engine,
		Processor: a.Migration.Processor(),
		Locker:    a.Locker,
		Metrics:   a.Metrics.Sync,
		Logger:    log.Module("incremental"),
		Interval:  settings.Sync.Interval,
		Overlap:   settings.Sync.Overlap,
	}); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	legacyDB, err := datastore.Open(a.Settings.Legacy, a.Logger.Module("legacy"))
	if err != nil {
		return fmt.Errorf("failed to open legacy database: %w", err)
	}
	a.LegacyDB = legacyDB
	a.closers = append(a.closers, func() error { return datastore.Close(legacyDB) })

	source, err := legacy.Open(ctx, &legacy.Config{
		DB:       legacyDB,
		Logger:   a.Logger.Module("legacy"),
		Attempts: uint(max(a.Settings.Migration.FetchRetries, 0)),
		OnRetry:  a.Metrics.Migration.RecordSourceRetry,
	})
	if err != nil {
		return err
	}
	a.Source = source

	store, err := target.Open(a.Settings.Target, a.Logger.Module("target"))
	if err != nil {
		return err
	}
	a.Target = store
	a.closers = append(a.closers, store.Close)

	if err := store.Initialize(); err != nil {
		return errors.New(err).
			Component("app").
			Category(errors.CategoryDatabase).
			Context("operation", "initialize_target").
			Build()
	}
	return nil
}

// openLocker returns the in-process guard, stacked with a Redis lock when
// Redis is enabled.
func (a *App) openLocker(ctx context.Context) (runlock.Locker, error) {
	local := runlock.NewMemory()
	if !a.Settings.Redis.Enabled {
		return local, nil
	}

	r, err := runlock.NewRedis(ctx, runlock.RedisConfig{
		Addr:     a.Settings.Redis.Addr,
		Password: a.Settings.Redis.Password,
		DB:       a.Settings.Redis.DB,
		TTL:      a.Settings.Redis.LockTTL,
		Logger:   a.Logger.Module("runlock"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return r.Close(context.Background()) })
	return runlock.Multi{local, r}, nil
}

// Close releases connections in reverse opening order.
func (a *App) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(a.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
