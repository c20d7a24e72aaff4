// Package telemetry wires error reporting to Sentry.
//
// Reporting is opt-in. Once initialized, every EnhancedError built by the
// errors package is sent with personal data scrubbed.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// DefaultFlushTimeout bounds the wait for queued events on shutdown.
const DefaultFlushTimeout = 2 * time.Second

var (
	initMu      sync.Mutex
	initialized bool
)

// Options configures Sentry initialization.
type Options struct {
	Settings conf.SentrySettings
	Version  string
	Logger   logger.Logger
	// Transport replaces the HTTP transport, mainly for tests.
	Transport sentry.Transport
}

// Init initializes Sentry and installs the error reporter. It is a no-op when
// Sentry is disabled. The returned function flushes pending events.
func Init(opts Options) (func(), error) {
	initMu.Lock()
	defer initMu.Unlock()

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("telemetry")
	}

	if !opts.Settings.Enabled {
		log.Debug("sentry disabled")
		return func() {}, nil
	}
	if opts.Settings.DSN == "" {
		return nil, fmt.Errorf("sentry is enabled but no DSN is configured")
	}

	environment := opts.Settings.Environment
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.Settings.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      environment,
		ServerName:       "", // no hostnames in events
		Release:          "deskbridge@" + opts.Version,
		Transport:        opts.Transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true

	log.Info("sentry error reporting enabled", logger.String("environment", environment))

	return func() { Flush(DefaultFlushTimeout) }, nil
}

// Flush waits up to timeout for queued events to be sent.
func Flush(timeout time.Duration) bool {
	initMu.Lock()
	active := initialized
	initMu.Unlock()
	if !active {
		return true
	}
	return sentry.Flush(timeout)
}

// Shutdown flushes pending events and uninstalls the reporter.
func Shutdown() {
	Flush(DefaultFlushTimeout)
	errors.SetTelemetryReporter(nil)

	initMu.Lock()
	initialized = false
	initMu.Unlock()
}

// applyPrivacyFilters drops identifying data from an event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	return event
}
