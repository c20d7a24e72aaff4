package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/observability/metrics"
)

func TestNewMetrics_RecordsAndExposes(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Migration.RecordRecord(metrics.OutcomeCompleted)
	m.Migration.RecordRecord(metrics.OutcomeCompleted)
	m.Migration.RecordRecord(metrics.OutcomeSkipped)
	m.Migration.RecordComments(3)
	m.Migration.RecordBatch(metrics.StatusCommitted, 0.05)
	m.Sync.RecordTick(metrics.StatusBusy, 0)
	m.Sync.RecordActions(metrics.ActionPatched, 2)
	m.Reference.RecordLink("contacts", false)
	m.Reference.RecordIdentityBuild(4, 1)

	count, err := testutil.GatherAndCount(m.Registry(),
		"deskbridge_migration_records_total",
		"deskbridge_migration_comments_total",
		"deskbridge_sync_actions_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `deskbridge_migration_records_total{outcome="completed"} 2`)
	assert.Contains(t, body, `deskbridge_sync_ticks_total{status="busy"} 1`)
	assert.Contains(t, body, `deskbridge_reference_links_total{domain="contacts",result="unresolved"} 1`)
	assert.Contains(t, body, `deskbridge_identity_mapped_accounts{kind="employees"} 4`)
}

func TestMigrationMetrics_ProgressGauge(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Migration.SetProgress(25, 100)
	m.Migration.SetRunning(true)
	m.Audit.RecordAudit("tickets", 98, 100, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Contains(t, rec.Body.String(), "deskbridge_migration_progress_ratio 0.25")
	assert.Contains(t, rec.Body.String(), "deskbridge_migration_running 1")
	assert.Contains(t, rec.Body.String(), `deskbridge_audit_coverage_percent{domain="tickets"} 98`)
	assert.Contains(t, rec.Body.String(), `deskbridge_audit_integrity_errors{domain="tickets"} 2`)
}
