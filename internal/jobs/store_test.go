package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/store"
)

func newSQLitePersister(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	job, err := s.Create(ctx, "cardio.xlsx", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.PhaseQueued, job.Phase)
	assert.Zero(t, job.Progress)
	assert.Equal(t, job.CreatedAt, job.LastUpdated)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cardio.xlsx", got.FileName)
	assert.Equal(t, "alice", got.CreatedBy)

	// Snapshots are copies.
	got.Message = "mutated"
	again, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Queued", again.Message)
}

func TestStore_UnknownID(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Update(ctx, "nope", Patch{Message: Ptr("x")})
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrJobNotFound)
	_, err = s.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_UpdateMergesFields(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)

	updated, err := s.Update(ctx, job.ID, Patch{
		Phase:      Ptr(model.PhaseRunning),
		TotalItems: Ptr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseRunning, updated.Phase)
	assert.Equal(t, 10, updated.TotalItems)
	assert.Equal(t, "Queued", updated.Message, "unset fields are kept")

	updated, err = s.Update(ctx, job.ID, Patch{Progress: Ptr(40), ProcessedItems: Ptr(4), Message: Ptr("batch 1")})
	require.NoError(t, err)
	assert.Equal(t, 40, updated.Progress)
	assert.Equal(t, 4, updated.ProcessedItems)
	assert.Equal(t, "batch 1", updated.Message)
	assert.Equal(t, model.PhaseRunning, updated.Phase)
}

func TestStore_ProgressIsMonotonic(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)

	_, err = s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseRunning), Progress: Ptr(50)})
	require.NoError(t, err)

	_, err = s.Update(ctx, job.ID, Patch{Progress: Ptr(49)})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Update(ctx, job.ID, Patch{Progress: Ptr(101)})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
}

func TestStore_PhaseTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup []model.Phase
		to    model.Phase
		ok    bool
	}{
		{"queued to running", nil, model.PhaseRunning, true},
		{"queued to error", nil, model.PhaseError, true},
		{"queued to complete", nil, model.PhaseComplete, true},
		{"queued to queued", nil, model.PhaseQueued, false},
		{"running to running", []model.Phase{model.PhaseRunning}, model.PhaseRunning, true},
		{"running to queued", []model.Phase{model.PhaseRunning}, model.PhaseQueued, false},
		{"complete to running", []model.Phase{model.PhaseComplete}, model.PhaseRunning, false},
		{"error to complete", []model.Phase{model.PhaseError}, model.PhaseComplete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil)
			job, err := s.Create(ctx, "f.xlsx", "")
			require.NoError(t, err)
			for _, ph := range tt.setup {
				_, err := s.Update(ctx, job.ID, Patch{Phase: Ptr(ph)})
				require.NoError(t, err)
			}

			_, err = s.Update(ctx, job.ID, Patch{Phase: Ptr(tt.to)})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStore_CompleteForcesProgress(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)

	done, err := s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseComplete), Result: &model.JobResult{}})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)

	_, err = s.Update(ctx, job.ID, Patch{Message: Ptr("late")})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStore_StartedAtStampedWhenRunning(t *testing.T) {
	s := NewStore(nil)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)
	assert.Nil(t, job.StartedAt)

	clock = clock.Add(30 * time.Second)
	running, err := s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseRunning)})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Equal(t, clock, *running.StartedAt)

	startedAt := clock
	clock = clock.Add(time.Minute)
	done, err := s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseComplete), Result: &model.JobResult{}})
	require.NoError(t, err)

	sum := done.Summary()
	require.NotNil(t, sum.StartedAt)
	require.NotNil(t, sum.CompletedAt)
	assert.Equal(t, startedAt, *sum.StartedAt)
	assert.Equal(t, clock, *sum.CompletedAt)
}

func TestStore_ConcurrentUpdatesNeverRegress(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)
	_, err = s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseRunning)})
	require.NoError(t, err)

	stop := make(chan struct{})
	var regressions int
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		last := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := s.Get(ctx, job.ID)
			if err != nil {
				continue
			}
			if got.Progress < last {
				regressions++
			}
			last = got.Progress
		}
	}()

	var writers sync.WaitGroup
	for w := 0; w < 8; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for p := 0; p <= 100; p++ {
				// Stale writes are rejected; the error is expected.
				_, _ = s.Update(ctx, job.ID, Patch{Progress: Ptr((p*7 + w*13) % 101)})
			}
		}()
	}
	writers.Wait()
	close(stop)
	observer.Wait()

	assert.Zero(t, regressions)
}

func TestStore_Cancel(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseError, cancelled.Phase)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, CancelledMessage, cancelled.Message)
	assert.Equal(t, model.StatusCancelled, cancelled.Status())

	_, err = s.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	var ids []string
	for _, by := range []string{"alice", "bob", "alice"} {
		job, err := s.Create(ctx, "f.xlsx", by)
		require.NoError(t, err)
		ids = append(ids, job.ID)
		clock = clock.Add(time.Second)
	}

	all := s.List(ctx, Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[1], all[1].ID)
	assert.Equal(t, ids[0], all[2].ID)

	mine := s.List(ctx, Filter{CreatedBy: "alice"})
	require.Len(t, mine, 2)
	assert.Equal(t, ids[2], mine[0].ID)

	_, err := s.Update(ctx, ids[1], Patch{Phase: Ptr(model.PhaseRunning)})
	require.NoError(t, err)
	running := s.List(ctx, Filter{Phase: model.PhaseRunning})
	require.Len(t, running, 1)
	assert.Equal(t, ids[1], running[0].ID)

	assert.Len(t, s.List(ctx, Filter{Limit: 2}), 2)
}

func TestStore_DeleteRequiresInactive(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, job.ID), ErrInvalidTransition)

	_, err = s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, job.ID))

	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_Result(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	job, err := s.Create(ctx, "f.xlsx", "")
	require.NoError(t, err)

	_, err = s.Result(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseRunning)})
	require.NoError(t, err)
	_, err = s.Result(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = s.Update(ctx, job.ID, Patch{Phase: Ptr(model.PhaseComplete), Result: &model.JobResult{Rows: []model.Row{}}})
	require.NoError(t, err)
	done, err := s.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, done.Result)
}

func TestStore_WriteThroughAndRestore(t *testing.T) {
	persist := newSQLitePersister(t)
	ctx := context.Background()

	s := NewStore(persist)
	running, err := s.Create(ctx, "running.xlsx", "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, running.ID, Patch{Phase: Ptr(model.PhaseRunning), Progress: Ptr(30)})
	require.NoError(t, err)

	done, err := s.Create(ctx, "done.xlsx", "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, done.ID, Patch{Phase: Ptr(model.PhaseComplete), Result: &model.JobResult{Rows: []model.Row{}}})
	require.NoError(t, err)

	// A new process sees both jobs; the running one can never finish.
	restarted := NewStore(persist)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := restarted.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseError, got.Phase)
	assert.Equal(t, InterruptedMessage, got.Message)
	assert.Equal(t, 30, got.Progress)

	got, err = restarted.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseComplete, got.Phase)
	assert.Equal(t, 100, got.Progress)

	persisted, err := persist.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseError, persisted.Phase)

	require.NoError(t, restarted.Delete(ctx, done.ID))
	_, err = persist.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Prune(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	old, err := s.Create(ctx, "old.xlsx", "")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, old.ID)
	require.NoError(t, err)

	stillQueued, err := s.Create(ctx, "queued.xlsx", "")
	require.NoError(t, err)

	clock = clock.Add(48 * time.Hour)
	recent, err := s.Create(ctx, "recent.xlsx", "")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, recent.ID)
	require.NoError(t, err)

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Get(ctx, stillQueued.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, recent.ID)
	assert.NoError(t, err)
}
