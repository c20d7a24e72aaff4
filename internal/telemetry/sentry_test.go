package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/conf"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	flush, err := Init(Options{Logger: testutil.NewLogger()})
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()
	assert.Nil(t, errors.GetTelemetryReporter())
}

func TestInit_RequiresDSN(t *testing.T) {
	_, err := Init(Options{
		Settings: conf.SentrySettings{Enabled: true},
		Logger:   testutil.NewLogger(),
	})
	require.Error(t, err)
}

func TestInit_ReportsScrubbedErrors(t *testing.T) {
	transport := NewMockTransport()
	flush, err := Init(Options{
		Settings: conf.SentrySettings{
			Enabled:     true,
			DSN:         "https://public@sentry.example.invalid/1",
			Environment: "test",
		},
		Version:   "0.0.1",
		Logger:    testutil.NewLogger(),
		Transport: transport,
	})
	require.NoError(t, err)
	t.Cleanup(Shutdown)

	_ = errors.Newf("customer anna@acme.test not found").
		Component("identity").
		Category(errors.CategoryIdentity).
		Context("operation", "resolve_author").
		Build()
	flush()

	events := transport.Events()
	require.Len(t, events, 1)
	event := events[0]
	assert.NotContains(t, event.Message, "anna@acme.test")
	assert.Contains(t, event.Message, "[EMAIL_REDACTED]")
	assert.Equal(t, "identity", event.Tags["component"])
	assert.Equal(t, "test", event.Environment)
	assert.Empty(t, event.ServerName)
}

func TestApplyPrivacyFilters(t *testing.T) {
	t.Parallel()

	event := sentry.NewEvent()
	event.User = sentry.User{ID: "42", Email: "x@y.test"}
	event.ServerName = "db-host-1"
	event.Tags = map[string]string{"hostname": "db-host-1", "component": "ledger"}
	event.Extra = map[string]any{"component": "ledger", "dsn": "secret"}
	event.Contexts = map[string]sentry.Context{"os": {"name": "linux"}, "trace": {}}

	out := applyPrivacyFilters(event)

	assert.True(t, out.User.IsEmpty())
	assert.Empty(t, out.ServerName)
	assert.NotContains(t, out.Tags, "hostname")
	assert.Equal(t, "ledger", out.Tags["component"])
	assert.Equal(t, map[string]any{"component": "ledger"}, out.Extra)
	assert.NotContains(t, out.Contexts, "os")
	assert.Contains(t, out.Contexts, "trace")
}
