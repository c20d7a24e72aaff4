package refsync_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
	"github.com/deskbridge/deskbridge/internal/refsync"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

func newEngine(t *testing.T, env *testutil.Env, locker runlock.Locker, m *metrics.ReferenceMetrics) *refsync.Engine {
	t.Helper()
	e, err := refsync.New(&refsync.Config{
		Source:    env.Source,
		DB:        env.Target.DB(),
		Locker:    locker,
		Metrics:   m,
		Logger:    env.Logger,
		BatchSize: 2,
	})
	require.NoError(t, err)
	return e
}

func seedReference(env *testutil.Env) {
	org1, org99 := int64(1), int64(99)
	env.Seeder.Organizations(
		legacy.Organization{ID: 1, Name: "  Acme Ltd  ", INN: "7701000001", Status: "client", Segment: "SMB"},
		legacy.Organization{ID: 2, Name: "Globex", INN: "7701000002", Status: "blocked", Segment: "gov"},
	)
	env.Seeder.Contacts(
		legacy.Contact{ID: 10, OrganizationID: &org1, Name: "Anna", Email: "anna@acme.test", Status: "active"},
		legacy.Contact{ID: 11, OrganizationID: &org99, Name: "Boris", Email: "boris@gone.test", Status: "fired"},
		legacy.Contact{ID: 12, Name: "Clara", Email: "clara@free.test"},
	)
	env.Seeder.Products(
		legacy.Product{ID: 100, Name: "Router", SKU: "RT-1", Category: "hw", Price: 120.5, Active: true},
	)
}

func record(t *testing.T, env *testutil.Env, key string) entities.WorkspaceRecord {
	t.Helper()
	var r entities.WorkspaceRecord
	require.NoError(t, env.Target.DB().Where("natural_key = ?", key).Take(&r).Error)
	return r
}

func TestSyncAll_MapsValuesAndLinksContacts(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewReferenceMetrics(reg)
	require.NoError(t, err)

	e := newEngine(t, env, nil, m)
	results, err := e.SyncAll(t.Context(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, results["organizations"].Processed)
	assert.Equal(t, 1, results["products"].Processed)

	contacts := results["contacts"]
	assert.Equal(t, 3, contacts.Total)
	assert.Equal(t, 3, contacts.Processed)
	assert.Zero(t, contacts.Failed)
	assert.Equal(t, 1, contacts.LinksCreated)
	assert.Equal(t, 1, contacts.LinksMissing)
	assert.False(t, contacts.IsRunning)
	assert.NotNil(t, contacts.CompletedAt)

	db := env.Target.DB()
	assert.Equal(t, int64(3), testutil.Count(t, db, &entities.Workspace{}))
	assert.Equal(t, int64(6), testutil.Count(t, db, &entities.WorkspaceRecord{}))
	assert.Equal(t, int64(1), testutil.Count(t, db, &entities.RecordLink{}))

	acme := record(t, env, "ORG-1")
	assert.Equal(t, "Acme Ltd", acme.Title)
	assert.Equal(t, "active", acme.Values["status"])
	assert.Equal(t, "small_business", acme.Values["segment"])
	assert.Equal(t, "inactive", record(t, env, "ORG-2").Values["status"])

	anna := record(t, env, "CNT-10")
	assert.Equal(t, acme.ID, anna.Values["organization"])
	assert.NotContains(t, anna.Values, "organization_id")

	boris := record(t, env, "CNT-11")
	assert.Equal(t, "inactive", boris.Values["status"])
	assert.NotContains(t, boris.Values, "organization")

	router := record(t, env, "PRD-100")
	assert.Equal(t, "hardware", router.Values["category"])
	assert.InDelta(t, 120.5, router.Values["price"], 0.001)

	var link entities.RecordLink
	require.NoError(t, db.Take(&link).Error)
	assert.Equal(t, anna.ID, link.FromRecordID)
	assert.Equal(t, acme.ID, link.ToRecordID)
	assert.Equal(t, "organization", link.Field)

	count, err := promtestutil.GatherAndCount(reg, "deskbridge_reference_links_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "linked and unresolved series")
}

func TestSync_SecondRunSkipsEverything(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)
	e := newEngine(t, env, nil, nil)

	_, err := e.SyncAll(t.Context(), 0)
	require.NoError(t, err)

	again, err := e.Sync(t.Context(), "contacts", 0)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
	assert.Equal(t, 3, again.Skipped)

	db := env.Target.DB()
	assert.Equal(t, int64(6), testutil.Count(t, db, &entities.WorkspaceRecord{}))
	assert.Equal(t, int64(1), testutil.Count(t, db, &entities.RecordLink{}))
	assert.Equal(t, int64(6), testutil.Count(t, db, &entities.LedgerEntry{}))
}

func TestSync_RolledBackRowsLeaveNoLinkMetrics(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)

	db := env.Target.DB()
	// Anna's link is written before her ledger row fails; Boris fails on
	// the record insert after his unresolved organization was seen.
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("fail_contact_rows", func(tx *gorm.DB) {
		switch dest := tx.Statement.Dest.(type) {
		case *entities.LedgerEntry:
			if dest.Domain == "contacts" && dest.LegacyID == 10 && dest.Status == entities.LedgerStatusCompleted {
				_ = tx.AddError(errors.NewStd("ledger unavailable"))
			}
		case *entities.WorkspaceRecord:
			if dest.NaturalKey == "CNT-11" {
				_ = tx.AddError(errors.NewStd("record rejected"))
			}
		}
	}))

	reg := prometheus.NewRegistry()
	m, err := metrics.NewReferenceMetrics(reg)
	require.NoError(t, err)

	e := newEngine(t, env, nil, m)
	_, err = e.Sync(t.Context(), "organizations", 0)
	require.NoError(t, err)
	contacts, err := e.Sync(t.Context(), "contacts", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, contacts.Failed)
	assert.Equal(t, 1, contacts.Processed)
	assert.Zero(t, contacts.LinksCreated)
	assert.Zero(t, contacts.LinksMissing)
	assert.Zero(t, testutil.Count(t, db, &entities.RecordLink{}))

	count, err := promtestutil.GatherAndCount(reg, "deskbridge_reference_links_total")
	require.NoError(t, err)
	assert.Zero(t, count, "no link series for rolled back rows")
}

func TestSync_PreexistingRecordCountsAsSkipped(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)
	e := newEngine(t, env, nil, nil)

	ws, err := e.EnsureWorkspace(t.Context(), "products")
	require.NoError(t, err)
	db := env.Target.DB()
	require.NoError(t, db.Create(&entities.WorkspaceRecord{
		ID:          "prd-existing",
		WorkspaceID: ws.ID,
		NaturalKey:  "PRD-100",
		Title:       "Router",
	}).Error)

	p, err := e.Sync(t.Context(), "products", 0)
	require.NoError(t, err)
	assert.Zero(t, p.Processed)
	assert.Equal(t, 1, p.Skipped)
	assert.Zero(t, p.Failed)

	assert.Equal(t, int64(1), testutil.Count(t, db, &entities.WorkspaceRecord{}))
	var entry entities.LedgerEntry
	require.NoError(t, db.Where("domain = ? AND legacy_id = ?", "products", 100).Take(&entry).Error)
	assert.Equal(t, "prd-existing", entry.TargetID)
}

func TestEnsureWorkspace_IsIdempotent(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	e := newEngine(t, env, nil, nil)

	first, err := e.EnsureWorkspace(t.Context(), "products")
	require.NoError(t, err)
	second, err := e.EnsureWorkspace(t.Context(), "products")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Products", second.Name)
	assert.Len(t, second.Fields, 5)
	assert.Equal(t, int64(1), testutil.Count(t, env.Target.DB(), &entities.Workspace{}))
}

func TestSync_UnknownDomain(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	e := newEngine(t, env, nil, nil)

	_, err := e.Sync(t.Context(), "invoices", 0)
	require.ErrorIs(t, err, refsync.ErrUnknownDomain)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = e.Validate(t.Context(), "invoices")
	require.ErrorIs(t, err, refsync.ErrUnknownDomain)
}

func TestSync_DomainGuardHeld(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)

	locker := runlock.NewMemory()
	locked, err := locker.TryLock(t.Context(), "contacts")
	require.NoError(t, err)
	require.True(t, locked)

	e := newEngine(t, env, locker, nil)
	_, err = e.Sync(t.Context(), "contacts", 0)
	require.ErrorIs(t, err, refsync.ErrAlreadyRunning)

	// Other domains are independent of the held guard.
	p, err := e.Sync(t.Context(), "products", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Processed)
}

func TestStart_RunsInBackground(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)
	locker := runlock.NewMemory()
	e := newEngine(t, env, locker, nil)

	require.NoError(t, e.Start(t.Context(), "organizations", 0))
	e.Wait()

	p, ok := e.Progress("organizations")
	require.True(t, ok)
	assert.False(t, p.IsRunning)
	assert.Equal(t, 2, p.Processed)
	assert.Empty(t, p.Error)

	_, ok = e.Progress("contacts")
	assert.False(t, ok)
	assert.Len(t, e.AllProgress(), 1)

	locked, err := locker.IsLocked(t.Context(), "organizations")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestValidate_AfterSync(t *testing.T) {
	t.Parallel()

	env := testutil.Setup(t)
	seedReference(env)
	e := newEngine(t, env, nil, nil)

	_, err := e.Sync(t.Context(), "organizations", 0)
	require.NoError(t, err)

	report, err := e.Validate(t.Context(), "organizations")
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.SourceTotal)
	assert.Equal(t, int64(2), report.TargetTotal)
	assert.Equal(t, 100, report.CoveragePercent)
	assert.Zero(t, report.IntegrityErrors)

	report, err = e.Validate(t.Context(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, 0, report.CoveragePercent)
}
