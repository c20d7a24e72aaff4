package datastore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/logger"
)

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"plain file", "target.db", "target.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"},
		{"existing query", "target.db?cache=shared", "target.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"},
		{"caller pragmas kept", "target.db?_busy_timeout=100", "target.db?_busy_timeout=100"},
		{"memory", ":memory:", ":memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqliteDSN(tt.dsn))
		})
	}
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{conf.DriverSQLite, conf.DriverMySQL, conf.DriverPostgres, "SQLite"} {
		d, err := Dialector(conf.DatabaseSettings{Driver: driver, DSN: "x"})
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}

	_, err := Dialector(conf.DatabaseSettings{Driver: "oracle"})
	require.Error(t, err)
}

func TestOpen_SQLiteSingleConnection(t *testing.T) {
	db, err := Open(conf.DatabaseSettings{
		Driver:       conf.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "open.db"),
		MaxOpenConns: 8,
	}, logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, sqlDB.Ping())
}
