package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DESKBRIDGE"

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// getEnvBindings returns the explicitly bound variables. Everything else is
// still reachable through AutomaticEnv as DESKBRIDGE_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"legacy.driver", "DESKBRIDGE_LEGACY_DRIVER", validateEnvDriver},
		{"legacy.dsn", "DESKBRIDGE_LEGACY_DSN", nil},
		{"target.driver", "DESKBRIDGE_TARGET_DRIVER", validateEnvDriver},
		{"target.dsn", "DESKBRIDGE_TARGET_DSN", nil},
		{"migration.batch_size", "DESKBRIDGE_MIGRATION_BATCH_SIZE", validateEnvPositiveInt},
		{"sync.interval", "DESKBRIDGE_SYNC_INTERVAL", validateEnvDuration},
		{"sync.enabled", "DESKBRIDGE_SYNC_ENABLED", validateEnvBool},
		{"redis.addr", "DESKBRIDGE_REDIS_ADDR", nil},
		{"redis.password", "DESKBRIDGE_REDIS_PASSWORD", nil},
		{"sentry.dsn", "DESKBRIDGE_SENTRY_DSN", nil},
		{"api.token", "DESKBRIDGE_API_TOKEN", nil},
	}
}

// bindEnvVars binds and validates environment variables, collecting all problems
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value '%s': %v", binding.EnvVar, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvDriver(value string) error {
	switch value {
	case DriverSQLite, DriverMySQL, DriverPostgres:
		return nil
	default:
		return fmt.Errorf("must be one of %s, %s, %s", DriverSQLite, DriverMySQL, DriverPostgres)
	}
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}
