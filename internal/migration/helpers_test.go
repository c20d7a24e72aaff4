package migration_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

func newOrchestrator(t *testing.T, env *testutil.Env, source legacy.Source, locker runlock.Locker) *migration.Orchestrator {
	t.Helper()
	if source == nil {
		source = env.Source
	}
	o, err := migration.New(&migration.Config{
		Source: source,
		DB:     env.Target.DB(),
		Mapper: identity.NewMapper(&identity.Config{
			Source: source,
			DB:     env.Target.DB(),
			Logger: env.Logger,
		}),
		Locker: locker,
		Logger: env.Logger,
	})
	require.NoError(t, err)
	return o
}

// runToCompletion starts a run and waits for it to finish.
func runToCompletion(t *testing.T, o *migration.Orchestrator, opts migration.StartOptions) migration.Progress {
	t.Helper()
	_, err := o.Start(t.Context(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, o.Wait(ctx))

	p := o.Progress()
	require.False(t, p.IsRunning)
	return p
}

func createAccount(t *testing.T, env *testutil.Env, email string) string {
	t.Helper()
	acc := entities.Account{ID: uuid.NewString(), Email: email, Name: email, Active: true}
	require.NoError(t, env.Target.DB().Create(&acc).Error)
	return acc.ID
}

type rowCounts struct {
	tasks, comments, ledger, accounts int64
}

func countRows(t *testing.T, env *testutil.Env) rowCounts {
	t.Helper()
	db := env.Target.DB()
	return rowCounts{
		tasks:    testutil.Count(t, db, &entities.Task{}),
		comments: testutil.Count(t, db, &entities.TaskComment{}),
		ledger:   testutil.Count(t, db, &entities.LedgerEntry{}),
		accounts: testutil.Count(t, db, &entities.Account{}),
	}
}

// gatedSource blocks the first ticket page until release is closed.
type gatedSource struct {
	legacy.Source
	fetched chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedSource(src legacy.Source) *gatedSource {
	return &gatedSource{
		Source:  src,
		fetched: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *gatedSource) TicketsAfter(ctx context.Context, afterID int64, limit int) ([]legacy.Ticket, error) {
	if s.calls.Add(1) == 1 {
		s.fetched <- struct{}{}
		<-s.release
	}
	return s.Source.TicketsAfter(ctx, afterID, limit)
}

// countGatedSource blocks the first ticket count until countRelease is closed.
type countGatedSource struct {
	*gatedSource
	counted      chan struct{}
	countRelease chan struct{}
	countCalls   atomic.Int32
}

func (s *countGatedSource) CountTickets(ctx context.Context) (int64, error) {
	if s.countCalls.Add(1) == 1 {
		s.counted <- struct{}{}
		<-s.countRelease
	}
	return s.gatedSource.CountTickets(ctx)
}

// brokenAnswersSource fails answer lookups for batches containing failFor.
type brokenAnswersSource struct {
	legacy.Source
	failFor int64
}

var errConnectionReset = errors.New("connection reset by peer")

func (s *brokenAnswersSource) AnswersFor(ctx context.Context, ticketIDs []int64) (map[int64][]legacy.Answer, error) {
	if slices.Contains(ticketIDs, s.failFor) {
		return nil, errConnectionReset
	}
	return s.Source.AnswersFor(ctx, ticketIDs)
}

// downSource cannot be reached.
type downSource struct {
	legacy.Source
}

func (downSource) Ping(context.Context) error {
	return errors.New("dial tcp 10.0.0.5:3306: connect: connection refused")
}
