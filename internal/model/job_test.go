package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  Job
		want Status
	}{
		{"queued", Job{Phase: PhaseQueued}, StatusQueued},
		{"running", Job{Phase: PhaseRunning}, StatusRunning},
		{"complete", Job{Phase: PhaseComplete}, StatusCompleted},
		{"error", Job{Phase: PhaseError}, StatusFailed},
		{"cancelled", Job{Phase: PhaseError, Cancelled: true}, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.job.Status())
		})
	}
}

func TestJobSummary_DerivedTimes(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	updated := created.Add(5 * time.Minute)

	queued := Job{ID: "j1", Phase: PhaseQueued, CreatedAt: created, LastUpdated: created}
	s := queued.Summary()
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
	assert.True(t, s.Active())

	done := Job{ID: "j1", Phase: PhaseComplete, Progress: 100, CreatedAt: created, LastUpdated: updated, Result: &JobResult{}}
	s = done.Summary()
	require.NotNil(t, s.StartedAt)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, created, *s.StartedAt)
	assert.Equal(t, updated, *s.CompletedAt)
	assert.True(t, s.HasResult)
	assert.False(t, s.Active())
}

func TestJobSummary_StartedAtFromTransition(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(2 * time.Minute)

	running := Job{ID: "j1", Phase: PhaseRunning, CreatedAt: created, LastUpdated: started.Add(time.Minute), StartedAt: &started}
	s := running.Summary()
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, started, *s.StartedAt)
	assert.Nil(t, s.CompletedAt)
}

func TestJobClone_Independent(t *testing.T) {
	j := &Job{ID: "j1", Progress: 10, Result: &JobResult{Partial: true}}
	c := j.Clone()
	c.Progress = 50
	c.Result.Partial = false

	assert.Equal(t, 10, j.Progress)
	assert.True(t, j.Result.Partial)
}

func TestRowWith_AppendsColumn(t *testing.T) {
	r := Row{Kind: SheetQCM, Index: 1, Columns: []string{"question", "answer"}, Values: map[string]string{"question": "Q", "answer": "A"}}

	out := r.With("explanation", "because")
	assert.Equal(t, []string{"question", "answer", "explanation"}, out.Columns)
	assert.Equal(t, "because", out.Values["explanation"])
	assert.False(t, r.Has("explanation"), "original row must not change")

	out = out.With("answer", "B")
	assert.Len(t, out.Columns, 3)
	assert.Equal(t, "B", out.Values["answer"])
}

func TestSheetKind(t *testing.T) {
	for _, k := range SheetKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, SheetKind("images").Valid())
	assert.True(t, SheetCasQCM.MultipleChoice())
	assert.False(t, SheetQROC.MultipleChoice())
}

func TestSessionRows(t *testing.T) {
	s := &Session{Result: &ValidationResult{
		Good: []Good{{Row: Row{Index: 1}}},
		Bad:  []Bad{{Row: Row{Index: 2}, Reason: "x"}, {Row: Row{Index: 3}, Reason: "y"}},
	}}
	assert.Len(t, s.Rows(ExportGood), 1)
	assert.Len(t, s.Rows(ExportBad), 2)
	assert.Nil(t, (&Session{}).Rows(ExportGood))
}
