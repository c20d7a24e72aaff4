package legacy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

// seedFixture writes the rows checked by assertSource.
func seedFixture(s *testutil.LegacySeeder) {
	base := testutil.BaseTime
	s.Tickets(
		testutil.NewTicketBuilder().WithID(1).WithCustomer(500).WithUpdatedAt(base.Add(time.Hour)).Build(),
		testutil.NewTicketBuilder().WithID(2).WithUpdatedAt(base.Add(3*time.Hour)).Build(),
		testutil.NewTicketBuilder().WithID(3).WithUpdatedAt(base.Add(2*time.Hour)).Build(),
	)
	s.Customers(testutil.Customer(500, "Jane Roe", "jane@example.com"))
	s.Staff(7, 700, 70, "agent@example.com")
	s.Answers(
		testutil.StaffAnswer(11, 1, 7, "second", base.Add(2*time.Minute)),
		testutil.CustomerAnswer(10, 1, 500, "first", base.Add(time.Minute)),
		testutil.StaffAnswer(12, 2, 7, "other ticket", base.Add(time.Minute)),
	)
	org := int64(1)
	s.Organizations(legacy.Organization{ID: 1, Name: "Acme", Status: "client"})
	s.Contacts(legacy.Contact{ID: 5, OrganizationID: &org, Name: "Ann"})
	s.Products(legacy.Product{ID: 9, Name: "Router", SKU: "R-1", Price: 10.5, Active: true})
}

// assertSource checks the Source contract against a seeded store.
func assertSource(t *testing.T, src legacy.Source) {
	t.Helper()
	ctx := t.Context()
	base := testutil.BaseTime

	require.NoError(t, src.Ping(ctx))

	n, err := src.CountTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	page, err := src.TicketsAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].ID)
	assert.Equal(t, int64(3), page[1].ID)

	byID, err := src.TicketsByIDs(ctx, []int64{3, 1})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, int64(1), byID[0].ID)

	empty, err := src.TicketsByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	changed, err := src.TicketsModifiedSince(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, int64(3), changed[0].ID, "oldest change first")
	assert.Equal(t, int64(2), changed[1].ID)

	answers, err := src.AnswersFor(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, answers[1], 2)
	assert.Equal(t, "first", answers[1][0].Text)
	assert.Equal(t, "second", answers[1][1].Text)
	assert.Len(t, answers[2], 1)

	recent, err := src.AnswersSince(ctx, []int64{1}, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, recent[1], 1)
	assert.Equal(t, int64(11), recent[1][0].ID)

	customers, err := src.Customers(ctx, []int64{500, 999})
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "jane@example.com", customers[500].Email)

	employees, err := src.Employees(ctx)
	require.NoError(t, err)
	require.Len(t, employees, 1)
	managers, err := src.Managers(ctx)
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, int64(7), managers[0].EmployeeID)

	count, err := src.CountReference(ctx, legacy.DomainContacts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	contacts, err := src.ReferenceAfter(ctx, legacy.DomainContacts, 0, 10)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, int64(1), contacts[0].Values["organization_id"])

	products, err := src.ReferenceAfter(ctx, legacy.DomainProducts, 0, 10)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "R-1", products[0].Values["sku"])
	assert.InDelta(t, 10.5, products[0].Values["price"], 0.001)

	_, err = src.ReferenceAfter(ctx, "invoices", 0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestGormSource_SQLite(t *testing.T) {
	env := testutil.Setup(t)
	seedFixture(env.Seeder)
	assertSource(t, env.Source)
}

func TestGormSource_RetriesTransientErrors(t *testing.T) {
	env := testutil.Setup(t)

	retries := 0
	src := legacy.NewGormSource(&legacy.Config{
		DB:       env.LegacyDB,
		Logger:   env.Logger,
		Attempts: 3,
		Delay:    time.Millisecond,
		OnRetry:  func() { retries++ },
	})

	// A missing table fails every attempt.
	require.NoError(t, env.LegacyDB.Migrator().DropTable(&legacy.Ticket{}))

	_, err := src.CountTickets(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLegacySource))
	assert.Positive(t, retries)
}

func TestGormSource_CanceledContextIsNotRetried(t *testing.T) {
	env := testutil.Setup(t)

	retries := 0
	src := legacy.NewGormSource(&legacy.Config{
		DB:       env.LegacyDB,
		Logger:   env.Logger,
		Attempts: 3,
		Delay:    time.Millisecond,
		OnRetry:  func() { retries++ },
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := src.CountTickets(ctx)
	require.Error(t, err)
	assert.Zero(t, retries)
}

func TestOpen_RequiresHandle(t *testing.T) {
	_, err := legacy.Open(t.Context(), &legacy.Config{})
	require.Error(t, err)
}
