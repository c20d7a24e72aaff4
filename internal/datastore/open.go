// Package datastore holds the database plumbing shared by the legacy source
// reader and the target store.
package datastore

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Dialector returns the gorm dialector for a configured driver.
func Dialector(cfg conf.DatabaseSettings) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case conf.DriverSQLite:
		return sqlite.Open(sqliteDSN(cfg.DSN)), nil
	case conf.DriverMySQL:
		return mysql.Open(cfg.DSN), nil
	case conf.DriverPostgres:
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// sqliteDSN adds the pragmas every sqlite connection needs unless the caller
// already set them.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") || dsn == ":memory:" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
}

// Open connects to the configured database, routes gorm logging into log and
// applies pool limits.
func Open(cfg conf.DatabaseSettings, log logger.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.NewGormLoggerAdapter(log, cfg.SlowThreshold),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %s", cfg.Driver, logger.RedactSensitiveData(err.Error()))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Driver == conf.DriverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY inside nested transactions.
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Close closes the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}
