package incremental

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/runlock"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

var base = testutil.BaseTime

type testClock struct {
	now atomic.Int64
}

func (c *testClock) set(t time.Time) { c.now.Store(t.UnixNano()) }
func (c *testClock) Now() time.Time  { return time.Unix(0, c.now.Load()).UTC() }

func newScheduler(t *testing.T, env *testutil.Env, source legacy.Source, locker runlock.Locker, overlap time.Duration) (*Scheduler, *testClock) {
	t.Helper()
	if source == nil {
		source = env.Source
	}
	s, err := New(&Config{
		Source: source,
		DB:     env.Target.DB(),
		Mapper: identity.NewMapper(&identity.Config{
			Source: source,
			DB:     env.Target.DB(),
			Logger: env.Logger,
		}),
		Locker:        locker,
		Logger:        env.Logger,
		Overlap:       overlap,
		InitialCursor: base.Add(-time.Hour),
	})
	require.NoError(t, err)

	clock := &testClock{}
	clock.set(base.Add(10 * time.Minute))
	s.now = clock.Now
	return s, clock
}

func TestTick_CreatesNewAndPatchesKnown(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	ctx := t.Context()
	db := env.Target.DB()

	env.Seeder.Tickets(
		testutil.NewTicketBuilder().WithID(1).WithStatus("new").Build(),
		testutil.NewTicketBuilder().WithID(2).Build(),
	)
	env.Seeder.Answers(testutil.CustomerAnswer(1, 1, 9, "It is broken", base.Add(7*time.Minute)))

	// The overlap re-scans answer 1 on the second tick.
	s, clock := newScheduler(t, env, nil, nil, 5*time.Minute)

	first, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{New: 2, Comments: 1}, first)
	assert.True(t, s.Status().Cursor.Equal(base.Add(10*time.Minute)))

	closedAt := base.Add(20 * time.Minute)
	require.NoError(t, env.LegacyDB.Model(&legacy.Ticket{}).Where("id = ?", 1).Updates(map[string]any{
		"closed":     true,
		"status":     "closed",
		"closed_at":  closedAt,
		"updated_at": closedAt,
	}).Error)
	env.Seeder.Answers(testutil.CustomerAnswer(2, 1, 9, "Thanks, works now", base.Add(15*time.Minute)))

	clock.set(base.Add(30 * time.Minute))
	second, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, 0, second.Errors)
	assert.Equal(t, 1, second.Comments, "the re-scanned answer is not duplicated")

	var task entities.Task
	require.NoError(t, db.Where("natural_key = ?", "HD-1").Take(&task).Error)
	assert.Equal(t, entities.TaskStatusResolved, task.Status)
	require.NotNil(t, task.ResolvedAt)
	assert.True(t, task.ResolvedAt.Equal(closedAt))
	assert.Equal(t, 2, task.CommentCount)

	var comments int64
	require.NoError(t, db.Model(&entities.TaskComment{}).Where("task_id = ?", task.ID).Count(&comments).Error)
	assert.Equal(t, int64(2), comments)

	st := s.Status()
	assert.Equal(t, 2, st.Ticks)
	assert.Empty(t, st.LastError)
	assert.True(t, st.Cursor.Equal(base.Add(30*time.Minute)))
}

// zonedSource returns answers in a fixed non-UTC location, as a MySQL
// legacy store with loc=Local does.
type zonedSource struct {
	legacy.Source
	loc *time.Location
}

func (s zonedSource) inZone(grouped map[int64][]legacy.Answer) map[int64][]legacy.Answer {
	for id := range grouped {
		for i := range grouped[id] {
			grouped[id][i].CreatedAt = grouped[id][i].CreatedAt.In(s.loc)
		}
	}
	return grouped
}

func (s zonedSource) AnswersFor(ctx context.Context, ids []int64) (map[int64][]legacy.Answer, error) {
	grouped, err := s.Source.AnswersFor(ctx, ids)
	return s.inZone(grouped), err
}

func (s zonedSource) AnswersSince(ctx context.Context, ids []int64, since time.Time) (map[int64][]legacy.Answer, error) {
	grouped, err := s.Source.AnswersSince(ctx, ids, since)
	return s.inZone(grouped), err
}

func TestTick_RescannedAnswerInLocalZoneIsNotDuplicated(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	ctx := t.Context()
	db := env.Target.DB()

	env.Seeder.Tickets(testutil.NewTicketBuilder().WithID(1).Build())
	env.Seeder.Answers(testutil.CustomerAnswer(1, 1, 9, "It is broken", base.Add(7*time.Minute)))

	src := zonedSource{Source: env.Source, loc: time.FixedZone("MSK", 3*3600)}
	s, clock := newScheduler(t, env, src, nil, 5*time.Minute)

	first, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Comments)

	touched := base.Add(12 * time.Minute)
	require.NoError(t, env.LegacyDB.Model(&legacy.Ticket{}).Where("id = ?", 1).
		Update("updated_at", touched).Error)

	clock.set(base.Add(15 * time.Minute))
	second, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Updated)
	assert.Zero(t, second.Comments)

	var task entities.Task
	require.NoError(t, db.Where("natural_key = ?", "HD-1").Take(&task).Error)
	assert.Equal(t, 1, task.CommentCount)
	var comments int64
	require.NoError(t, db.Model(&entities.TaskComment{}).Where("task_id = ?", task.ID).Count(&comments).Error)
	assert.Equal(t, int64(1), comments)
}

// slowSource blocks the first modified-rows fetch until release is closed.
type slowSource struct {
	legacy.Source
	fetched chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowSource) TicketsModifiedSince(ctx context.Context, since time.Time) ([]legacy.Ticket, error) {
	if s.calls.Add(1) == 1 {
		close(s.fetched)
		<-s.release
	}
	return s.Source.TicketsModifiedSince(ctx, since)
}

func TestTick_InFlightTickReturnsEmptyResult(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	env.Seeder.Tickets(testutil.Tickets(1)...)

	slow := &slowSource{Source: env.Source, fetched: make(chan struct{}), release: make(chan struct{})}
	s, _ := newScheduler(t, env, slow, nil, 0)

	type outcome struct {
		res TickResult
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		res, err := s.Tick(context.Background())
		firstDone <- outcome{res, err}
	}()

	testutil.WaitForChannel(t, slow.fetched, testutil.DefaultTestTimeout, "first tick never fetched")
	assert.True(t, s.Status().InFlight)

	second, err := s.Tick(t.Context())
	require.NoError(t, err)
	assert.Zero(t, second.New)
	assert.Zero(t, second.Updated)
	assert.Zero(t, second.Errors)
	assert.True(t, second.Busy)

	close(slow.release)
	select {
	case got := <-firstDone:
		require.NoError(t, got.err)
		assert.Equal(t, 1, got.res.New)
	case <-time.After(testutil.DefaultTestTimeout):
		t.Fatal("first tick did not finish")
	}
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestTick_DefersToFullRun(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	ctx := t.Context()
	env.Seeder.Tickets(testutil.Tickets(1)...)

	locker := runlock.NewMemory()
	ok, err := locker.TryLock(ctx, migration.LockKey)
	require.NoError(t, err)
	require.True(t, ok)

	s, _ := newScheduler(t, env, nil, locker, 0)
	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Busy: true}, res)
	assert.Zero(t, testutil.Count(t, env.Target.DB(), &entities.Task{}))

	require.NoError(t, locker.Unlock(ctx, migration.LockKey))
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
}

type failingFetchSource struct {
	legacy.Source
}

func (failingFetchSource) TicketsModifiedSince(context.Context, time.Time) ([]legacy.Ticket, error) {
	return nil, errors.New("i/o timeout")
}

func TestTick_FetchFailureAbortsAndKeepsCursor(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	s, _ := newScheduler(t, env, failingFetchSource{Source: env.Source}, nil, 0)
	_, err := s.Tick(t.Context())
	require.Error(t, err)

	st := s.Status()
	assert.Contains(t, st.LastError, "i/o timeout")
	assert.True(t, st.Cursor.Equal(base.Add(-time.Hour)), "cursor must not advance")
}

func TestTick_PatchFailureIsCounted(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	ctx := t.Context()
	db := env.Target.DB()

	env.Seeder.Tickets(testutil.Tickets(2)...)
	s, clock := newScheduler(t, env, nil, nil, 0)
	first, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, first.New)

	entry, err := ledger.New(db).Lookup(ctx, ledger.DomainTickets, 1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, db.Where("id = ?", entry.TargetID).Delete(&entities.Task{}).Error)

	require.NoError(t, env.LegacyDB.Model(&legacy.Ticket{}).
		Where("id IN ?", []int64{1, 2}).
		Update("updated_at", base.Add(20*time.Minute)).Error)

	clock.set(base.Add(30 * time.Minute))
	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Updated)
}

func TestCursor_DerivedFromLedger(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	ctx := t.Context()

	_, err := ledger.New(env.Target.DB()).RecordCompleted(ctx, ledger.DomainTickets, 1, "t1", 0)
	require.NoError(t, err)

	s, err := New(&Config{
		Source: env.Source,
		DB:     env.Target.DB(),
		Mapper: identity.NewMapper(&identity.Config{Source: env.Source, DB: env.Target.DB(), Logger: env.Logger}),
		Logger: env.Logger,
	})
	require.NoError(t, err)

	cursor, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), cursor, time.Minute)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	s, err := New(&Config{
		Source:        env.Source,
		DB:            env.Target.DB(),
		Mapper:        identity.NewMapper(&identity.Config{Source: env.Source, DB: env.Target.DB(), Logger: env.Logger}),
		Logger:        env.Logger,
		Interval:      10 * time.Millisecond,
		InitialCursor: base,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Status().Ticks >= 2 }, testutil.DefaultTestTimeout, 5*time.Millisecond)
	cancel()
	testutil.WaitForChannel(t, done, testutil.DefaultTestTimeout, "Run did not return after cancel")
}
