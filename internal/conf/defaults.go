package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values shared with the packages that consume them.
const (
	DefaultBatchSize          = 100
	DefaultReferenceBatchSize = 200
	DefaultSyncInterval       = 5 * time.Minute
	DefaultSyncOverlap        = 2 * time.Minute
	DefaultIdentityCacheTTL   = 10 * time.Minute
	DefaultSystemEmail        = "legacy-system@deskbridge.invalid"
	DefaultSystemName         = "Legacy System"
	DefaultLockTTL            = 30 * time.Minute
)

// setDefaultConfig sets default values for each configuration parameter
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("legacy.driver", DriverMySQL)
	v.SetDefault("legacy.dsn", "")
	v.SetDefault("legacy.max_open_conns", 4)
	v.SetDefault("legacy.slow_threshold", 500*time.Millisecond)

	v.SetDefault("target.driver", DriverSQLite)
	v.SetDefault("target.dsn", "deskbridge.db")
	v.SetDefault("target.slow_threshold", 200*time.Millisecond)

	v.SetDefault("migration.batch_size", DefaultBatchSize)
	v.SetDefault("migration.max_requests", 0)
	v.SetDefault("migration.batches_per_sec", 10.0)
	v.SetDefault("migration.fetch_retries", 3)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", DefaultSyncInterval)
	v.SetDefault("sync.overlap", DefaultSyncOverlap)

	v.SetDefault("reference.batch_size", DefaultReferenceBatchSize)
	v.SetDefault("reference.mappings_file", "")

	v.SetDefault("identity.cache_ttl", DefaultIdentityCacheTTL)
	v.SetDefault("identity.system_email", DefaultSystemEmail)
	v.SetDefault("identity.system_name", DefaultSystemName)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", DefaultLockTTL)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8089")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/deskbridge.log")
	v.SetDefault("logging.file_output.level", "debug")
}
