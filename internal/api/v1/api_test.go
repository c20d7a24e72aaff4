package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/deskbridge/deskbridge/internal/api/middleware"
	v1 "github.com/deskbridge/deskbridge/internal/api/v1"
	"github.com/deskbridge/deskbridge/internal/audit"
	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/incremental"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/refsync"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

const testToken = "s3cret"

type fixture struct {
	env       *testutil.Env
	echo      *echo.Echo
	locker    *runlock.Memory
	migration *migration.Orchestrator
	reference *refsync.Engine
	scheduler *incremental.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.Setup(t)
	db := env.Target.DB()
	locker := runlock.NewMemory()
	mapper := identity.NewMapper(&identity.Config{Source: env.Source, DB: db, Logger: env.Logger})

	orch, err := migration.New(&migration.Config{
		Source: env.Source,
		DB:     db,
		Mapper: mapper,
		Locker: locker,
		Logger: env.Logger,
	})
	require.NoError(t, err)

	ref, err := refsync.New(&refsync.Config{
		Source: env.Source,
		DB:     db,
		Locker: locker,
		Logger: env.Logger,
	})
	require.NoError(t, err)

	sched, err := incremental.New(&incremental.Config{
		Source: env.Source,
		DB:     db,
		Mapper: mapper,
		Locker: locker,
		Logger: env.Logger,
	})
	require.NoError(t, err)

	e := echo.New()
	v1.New(e,
		v1.WithMigration(orch),
		v1.WithReference(ref),
		v1.WithScheduler(sched),
		v1.WithAuthMiddleware(mw.NewBearerAuth(testToken)),
		v1.WithLogger(env.Logger),
	)

	return &fixture{env: env, echo: e, locker: locker, migration: orch, reference: ref, scheduler: sched}
}

func (f *fixture) do(t *testing.T, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authorized {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) waitMigration(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, f.migration.Wait(ctx))
}

func TestMigrationRoutes_RunLogAndValidate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env.Seeder.Tickets(testutil.Tickets(3)...)

	rec := f.do(t, http.MethodPost, "/api/v1/migration/start", `{"batchSize":2}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	start := decode[v1.MigrationStartResponse](t, rec)
	assert.NotEmpty(t, start.Message)
	assert.Equal(t, 3, start.Progress.Total)
	assert.Equal(t, 2, start.Progress.TotalBatches)

	f.waitMigration(t)

	rec = f.do(t, http.MethodGet, "/api/v1/migration/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[migration.Progress](t, rec)
	assert.Equal(t, 3, progress.Processed)
	assert.False(t, progress.IsRunning)

	rec = f.do(t, http.MethodGet, "/api/v1/migration/log?status=completed&limit=2", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[v1.MigrationLogResponse](t, rec)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, "completed", page.Entries[0].Status)
	assert.NotEmpty(t, page.Entries[0].TargetID)

	rec = f.do(t, http.MethodGet, "/api/v1/migration/validate", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[audit.Report](t, rec)
	assert.Equal(t, 100, report.CoveragePercent)
	assert.Equal(t, int64(3), report.TargetTotal)

	rec = f.do(t, http.MethodPost, "/api/v1/migration/retry-failed", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	retry := decode[migration.RetryResult](t, rec)
	assert.Zero(t, retry.Retried)
}

func TestMigrationRoutes_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env.Seeder.Tickets(testutil.Tickets(2)...)

	rec := f.do(t, http.MethodPost, "/api/v1/migration/start", `{"dryRun":true}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[v1.MigrationStartResponse](t, rec)
	assert.True(t, resp.Progress.DryRun)
	assert.Equal(t, 2, resp.Progress.Total)

	assert.Zero(t, testutil.Count(t, f.env.Target.DB(), &entities.LedgerEntry{}))
	assert.Zero(t, testutil.Count(t, f.env.Target.DB(), &entities.Task{}))
}

func TestMigrationRoutes_GuardHeldConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env.Seeder.Tickets(testutil.Tickets(1)...)

	locked, err := f.locker.TryLock(t.Context(), migration.LockKey)
	require.NoError(t, err)
	require.True(t, locked)

	rec := f.do(t, http.MethodPost, "/api/v1/migration/start", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[v1.ErrorResponse](t, rec)
	assert.Equal(t, http.StatusConflict, body.Code)
	assert.Len(t, body.CorrelationID, 8)

	rec = f.do(t, http.MethodPost, "/api/v1/sync/tick", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, decode[incremental.TickResult](t, rec).Busy)
}

func TestMutatingRoutes_RequireToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, path := range []string{
		"/api/v1/migration/start",
		"/api/v1/migration/stop",
		"/api/v1/migration/retry-failed",
		"/api/v1/reference/products/start",
		"/api/v1/sync/tick",
	} {
		rec := f.do(t, http.MethodPost, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/migration/stop", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[v1.MigrationStopResponse](t, rec).Stopping)
}

func TestMigrationRoutes_RejectInvalidQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name string
		path string
	}{
		{"unknown status", "/api/v1/migration/log?status=pending"},
		{"negative offset", "/api/v1/migration/log?offset=-1"},
		{"non numeric limit", "/api/v1/migration/preview?limit=ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, "", false)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestMigrationRoutes_Preview(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env.Seeder.Tickets(testutil.Tickets(3)...)

	rec := f.do(t, http.MethodGet, "/api/v1/migration/preview?limit=2", "", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	items := decode[[]migration.PreviewItem](t, rec)
	require.Len(t, items, 2)
	assert.Equal(t, "HD-1", items[0].NaturalKey)
	assert.Equal(t, "Request #1", items[0].Title)
	assert.Zero(t, testutil.Count(t, f.env.Target.DB(), &entities.Task{}))
}

func TestReferenceRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env.Seeder.Products(legacy.Product{ID: 1, Name: "Router", Category: "hw"})

	rec := f.do(t, http.MethodGet, "/api/v1/reference/invoices/status", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/reference/invoices/start", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/reference/products/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[refsync.Progress](t, rec).IsRunning)

	rec = f.do(t, http.MethodPost, "/api/v1/reference/products/start", `{"batchSize":10}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.reference.Wait()

	rec = f.do(t, http.MethodGet, "/api/v1/reference/products/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[refsync.Progress](t, rec)
	assert.Equal(t, 1, p.Processed)
	assert.NotNil(t, p.CompletedAt)

	rec = f.do(t, http.MethodGet, "/api/v1/reference/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]refsync.Progress](t, rec), "products")

	rec = f.do(t, http.MethodGet, "/api/v1/reference/products/validate", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, decode[audit.Report](t, rec).CoveragePercent)

	rec = f.do(t, http.MethodGet, "/api/v1/reference/domains", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, refsync.Domains(), decode[[]string](t, rec))
}

func TestSyncRoutes_TickAndStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sync/tick", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, incremental.TickResult{}, decode[incremental.TickResult](t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/sync/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[incremental.Status](t, rec)
	assert.Equal(t, 1, status.Ticks)
	assert.NotNil(t, status.LastTickAt)
	assert.Empty(t, status.LastError)
}

func TestUnconfiguredComponentsAnswer503(t *testing.T) {
	t.Parallel()

	e := echo.New()
	v1.New(e, v1.WithLogger(testutil.NewLogger()))

	for _, path := range []string{
		"/api/v1/migration/status",
		"/api/v1/reference/status",
		"/api/v1/sync/status",
	} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
