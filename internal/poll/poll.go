// Package poll tracks job progress from the caller's side. The core job
// packages never schedule timers; a Watcher is started by whoever submits a
// job and stops on its own once no job is active.
package poll

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/model"
)

// Source lists the current job summaries.
type Source interface {
	ListJobs(ctx context.Context) ([]model.JobSummary, error)
}

// ShouldPoll reports whether any job is queued or running.
func ShouldPoll(jobs []model.JobSummary) bool {
	for _, j := range jobs {
		if j.Active() {
			return true
		}
	}
	return false
}

// ChangeKind describes what happened to a job between two polls.
type ChangeKind string

const (
	Added          ChangeKind = "added"
	StatusChanged  ChangeKind = "status"
	ProgressMoved  ChangeKind = "progress"
	MessageChanged ChangeKind = "message"
	Removed        ChangeKind = "removed"
)

// Change is one observed difference for a job.
type Change struct {
	Kind ChangeKind
	Job  model.JobSummary
	// Prev is the previous snapshot; zero for Added.
	Prev model.JobSummary
}

// Finished reports whether the change moved a job into a terminal status.
func (c Change) Finished() bool {
	return c.Kind == StatusChanged && c.Prev.Active() && !c.Job.Active()
}

// Diff compares two snapshots and returns changes ordered by job id. A job
// yields at most one change; status wins over progress, progress over message.
func Diff(prev, next []model.JobSummary) []Change {
	before := make(map[string]model.JobSummary, len(prev))
	for _, j := range prev {
		before[j.ID] = j
	}

	var out []Change
	seen := make(map[string]bool, len(next))
	for _, j := range next {
		seen[j.ID] = true
		old, ok := before[j.ID]
		switch {
		case !ok:
			out = append(out, Change{Kind: Added, Job: j})
		case old.Status != j.Status:
			out = append(out, Change{Kind: StatusChanged, Job: j, Prev: old})
		case old.Progress != j.Progress || old.ProcessedItems != j.ProcessedItems:
			out = append(out, Change{Kind: ProgressMoved, Job: j, Prev: old})
		case old.Message != j.Message:
			out = append(out, Change{Kind: MessageChanged, Job: j, Prev: old})
		}
	}
	for _, j := range prev {
		if !seen[j.ID] {
			out = append(out, Change{Kind: Removed, Job: j, Prev: j})
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Job.ID < out[b].Job.ID })
	return out
}

// Watcher polls a Source while any job is active.
type Watcher struct {
	Source   Source
	Interval time.Duration
	// OnChange is called for every change, in order.
	OnChange func(Change)
	// OnComplete is called once with the final snapshot when no job is
	// active any more.
	OnComplete func([]model.JobSummary)
	// MaxErrors stops Run after this many consecutive failed polls. Zero
	// means 5.
	MaxErrors int
}

// Run polls until no job is active, ctx ends, or the source keeps failing.
// The first poll happens immediately. Call Run again after the next
// submission to resume tracking.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Source == nil {
		return eris.New("poll: source is required")
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	maxErrors := w.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 5
	}
	log := zap.L().With(zap.String("component", "poll"))

	var (
		prev     []model.JobSummary
		failures int
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snapshot, err := w.Source.ListJobs(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			failures++
			log.Warn("poll failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxErrors {
				return eris.Wrapf(err, "poll: %d consecutive failures", failures)
			}
		default:
			failures = 0
			if w.OnChange != nil {
				for _, c := range Diff(prev, snapshot) {
					w.OnChange(c)
				}
			}
			prev = snapshot
			if !ShouldPoll(snapshot) {
				if w.OnComplete != nil {
					w.OnComplete(snapshot)
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
