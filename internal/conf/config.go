// Package conf loads deskbridge settings from YAML, environment and defaults using viper.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/deskbridge/deskbridge/internal/logger"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// DatabaseSettings describes one database connection
type DatabaseSettings struct {
	Driver          string        `mapstructure:"driver"`            // sqlite, mysql, postgres
	DSN             string        `mapstructure:"dsn"`               // driver specific data source name
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 0 = driver default
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 0 = driver default
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 0 = unlimited
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`    // slow query warning threshold
}

// MigrationSettings controls the full historical backfill
type MigrationSettings struct {
	BatchSize     int     `mapstructure:"batch_size"`      // records per batch and transaction
	MaxRequests   int     `mapstructure:"max_requests"`    // cap on records per run, 0 = all
	BatchesPerSec float64 `mapstructure:"batches_per_sec"` // batch pacing, 0 = unlimited
	FetchRetries  int     `mapstructure:"fetch_retries"`   // attempts for transient legacy read errors
}

// SyncSettings controls the incremental scheduler
type SyncSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"` // tick interval
	Overlap  time.Duration `mapstructure:"overlap"`  // cursor re-scan window
}

// ReferenceSettings controls reference data sync
type ReferenceSettings struct {
	BatchSize    int    `mapstructure:"batch_size"`
	MappingsFile string `mapstructure:"mappings_file"` // optional YAML override of value maps
}

// IdentitySettings controls account mapping
type IdentitySettings struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`    // how long a built mapping is reused
	SystemEmail string        `mapstructure:"system_email"` // fallback author address
	SystemName  string        `mapstructure:"system_name"`  // fallback author display name
}

// RedisSettings enables the store-level run lock
type RedisSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// APISettings controls the HTTP control surface
type APISettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Token   string `mapstructure:"token"` // bearer token for mutating routes, empty = open
}

// SentrySettings controls error telemetry
type SentrySettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// Settings contains all configuration options
type Settings struct {
	Debug     bool                 `mapstructure:"debug"`
	Legacy    DatabaseSettings     `mapstructure:"legacy"`
	Target    DatabaseSettings     `mapstructure:"target"`
	Migration MigrationSettings    `mapstructure:"migration"`
	Sync      SyncSettings         `mapstructure:"sync"`
	Reference ReferenceSettings    `mapstructure:"reference"`
	Identity  IdentitySettings     `mapstructure:"identity"`
	Redis     RedisSettings        `mapstructure:"redis"`
	API       APISettings          `mapstructure:"api"`
	Sentry    SentrySettings       `mapstructure:"sentry"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configFile (or deskbridge.yaml from the default search paths when
// empty), overlays DESKBRIDGE_* environment variables and validates the result.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// GetSettings returns the most recently loaded settings, or nil
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("deskbridge")
	v.SetConfigType("yaml")
	for _, path := range defaultConfigPaths() {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Defaults and environment are enough to run.
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// defaultConfigPaths returns the directories searched for deskbridge.yaml
func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deskbridge"))
	}
	return append(paths, "/etc/deskbridge")
}
