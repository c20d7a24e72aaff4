// Package target manages the store deskbridge migrates into.
package target

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/datastore"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Manager defines the operations on the target database.
type Manager interface {
	// Initialize creates the schema of every target entity.
	Initialize() error
	// DB returns the underlying GORM database.
	DB() *gorm.DB
	// Driver returns the configured driver name.
	Driver() string
	// Close closes the database connection.
	Close() error
}

// Store is the gorm-backed Manager for sqlite, mysql and postgres.
type Store struct {
	db     *gorm.DB
	driver string
}

var _ Manager = (*Store)(nil)

// Open connects to the target database described by cfg.
func Open(cfg conf.DatabaseSettings, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().Module("datastore").Module("target")
	}
	db, err := datastore.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open target database: %w", err)
	}
	return &Store{db: db, driver: cfg.Driver}, nil
}

// NewStore wraps an existing connection, mainly for tests.
func NewStore(db *gorm.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Initialize creates the schema of every target entity.
func (s *Store) Initialize() error {
	if err := s.db.AutoMigrate(entities.All()...); err != nil {
		return fmt.Errorf("failed to migrate target schema: %w", err)
	}
	return nil
}

// DB returns the underlying GORM database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the database connection.
func (s *Store) Close() error {
	return datastore.Close(s.db)
}
