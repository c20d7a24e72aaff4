package testutil

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/datastore"
	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Env contains the dependencies shared by integration-style tests.
type Env struct {
	// TempDir holds both database files.
	TempDir string

	// LegacyDB is the legacy connection used for seeding.
	LegacyDB *gorm.DB
	// Source reads LegacyDB through the production code path.
	Source *legacy.GormSource
	// Seeder inserts legacy rows.
	Seeder *LegacySeeder

	// Target is the initialized target store.
	Target *target.Store

	// Logger discards everything below error.
	Logger logger.Logger
}

// Setup creates a legacy and a target SQLite database with their schemas.
// Cleanup is registered with t.Cleanup.
func Setup(t *testing.T) *Env {
	t.Helper()

	tmpDir := t.TempDir()
	log := NewLogger()

	legacyDB, err := datastore.Open(conf.DatabaseSettings{
		Driver: conf.DriverSQLite,
		DSN:    filepath.Join(tmpDir, "legacy.db"),
	}, log)
	require.NoError(t, err, "failed to open legacy database")
	require.NoError(t, legacyDB.AutoMigrate(legacy.AllModels()...), "failed to create legacy schema")

	store, err := target.Open(conf.DatabaseSettings{
		Driver: conf.DriverSQLite,
		DSN:    filepath.Join(tmpDir, "target.db"),
	}, log)
	require.NoError(t, err, "failed to open target database")
	require.NoError(t, store.Initialize(), "failed to create target schema")

	t.Cleanup(func() {
		_ = store.Close()
		_ = datastore.Close(legacyDB)
	})

	return &Env{
		TempDir:  tmpDir,
		LegacyDB: legacyDB,
		Source: legacy.NewGormSource(&legacy.Config{
			DB:       legacyDB,
			Logger:   log,
			Attempts: 1,
		}),
		Seeder: NewLegacySeeder(t, legacyDB),
		Target: store,
		Logger: log,
	}
}

// NewLogger returns a logger that only writes errors, to io.Discard.
func NewLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// Count returns the number of rows of model in db.
func Count(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}
