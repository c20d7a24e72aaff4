package conf

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateDatabase("legacy", &settings.Legacy); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateDatabase("target", &settings.Target); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.Migration.BatchSize <= 0 {
		ve.Errors = append(ve.Errors, fmt.Sprintf("migration.batch_size must be positive, got %d", settings.Migration.BatchSize))
	}
	if settings.Migration.MaxRequests < 0 {
		ve.Errors = append(ve.Errors, "migration.max_requests cannot be negative")
	}
	if settings.Reference.BatchSize <= 0 {
		ve.Errors = append(ve.Errors, fmt.Sprintf("reference.batch_size must be positive, got %d", settings.Reference.BatchSize))
	}
	if settings.Sync.Enabled && settings.Sync.Interval <= 0 {
		ve.Errors = append(ve.Errors, "sync.interval must be positive when sync is enabled")
	}
	if settings.Sync.Overlap < 0 {
		ve.Errors = append(ve.Errors, "sync.overlap cannot be negative")
	}
	if !strings.Contains(settings.Identity.SystemEmail, "@") {
		ve.Errors = append(ve.Errors, fmt.Sprintf("identity.system_email %q is not an email address", settings.Identity.SystemEmail))
	}
	if settings.Redis.Enabled && settings.Redis.Addr == "" {
		ve.Errors = append(ve.Errors, "redis.addr is required when redis is enabled")
	}
	if settings.API.Enabled {
		if _, _, err := net.SplitHostPort(settings.API.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("api.listen %q: %v", settings.API.Listen, err))
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabase(section string, db *DatabaseSettings) error {
	if err := validateEnvDriver(db.Driver); err != nil {
		return fmt.Errorf("%s.driver: %w", section, err)
	}
	if db.DSN == "" {
		return fmt.Errorf("%s.dsn is required", section)
	}
	return nil
}
