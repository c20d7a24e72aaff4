package app

import (
	"context"
	"fmt"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/telemetry"
)

// Context carries what the CLI commands share: the loaded settings and the
// process logger. It is filled in before a subcommand runs.
type Context struct {
	ConfigFile string
	Debug      bool
	Version    string

	Settings *conf.Settings
	Logger   logger.Logger

	central *logger.CentralLogger
	flush   func()
}

// NewContext returns an empty context for version.
func NewContext(version string) *Context {
	return &Context{Version: version}
}

// Initialize loads settings, installs the central logger and starts telemetry.
func (c *Context) Initialize() error {
	settings, err := conf.Load(c.ConfigFile)
	if err != nil {
		return err
	}
	if c.Debug {
		settings.Debug = true
	}

	logCfg := settings.Logging
	if settings.Debug {
		logCfg.DefaultLevel = "debug"
		if logCfg.Console != nil {
			console := *logCfg.Console
			console.Level = "debug"
			logCfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	c.Settings = settings
	c.central = central
	c.Logger = central.Module("deskbridge")

	flush, err := telemetry.Init(telemetry.Options{
		Settings: settings.Sentry,
		Version:  c.Version,
		Logger:   central.Module("telemetry"),
	})
	if err != nil {
		// Error reporting is optional; the commands still run without it.
		c.Logger.Warn("error telemetry disabled", logger.Error(err))
		flush = func() {}
	}
	c.flush = flush
	return nil
}

// Open builds the engines from the loaded settings.
func (c *Context) Open(ctx context.Context) (*App, error) {
	if c.Settings == nil {
		return nil, fmt.Errorf("settings are not loaded")
	}
	return Open(ctx, c.Settings, c.Logger)
}

// Shutdown flushes telemetry and the log outputs.
func (c *Context) Shutdown() {
	if c.flush != nil {
		c.flush()
		c.flush = nil
	}
	if c.central != nil {
		_ = c.central.Close()
		c.central = nil
	}
}
