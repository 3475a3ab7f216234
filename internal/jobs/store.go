// Package jobs tracks enrichment jobs and runs them against the enrichment
// service in bounded-concurrency batches.
package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/store"
)

// CancelledMessage is the message set on a job cancelled by an administrator.
const CancelledMessage = "Cancelled by administrator"

// InterruptedMessage is set on jobs found active when the store is restored.
const InterruptedMessage = "Interrupted by server restart"

// Persister durably stores job records. store.Store satisfies it.
type Persister interface {
	SaveJob(ctx context.Context, job *model.Job) error
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Patch lists the fields an Update sets. Nil fields are left unchanged.
type Patch struct {
	Phase          *model.Phase
	Progress       *int
	Message        *string
	ProcessedItems *int
	TotalItems     *int
	FailedItems    *int
	Result         *model.JobResult
}

// Ptr returns a pointer to v, for building a Patch.
func Ptr[T any](v T) *T {
	return &v
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Phase     model.Phase
	CreatedBy string
	Limit     int
}

type entry struct {
	mu  sync.Mutex
	job *model.Job
}

// Store is the process-wide job registry. Each job has its own lock, so
// updates to one job are linearized without blocking readers of others.
// Readers always receive copies.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	persist Persister
	now     func() time.Time
	log     *zap.Logger
}

// NewStore creates an empty registry. persist may be nil for a purely
// in-memory store.
func NewStore(persist Persister) *Store {
	return &Store{
		entries: make(map[string]*entry),
		persist: persist,
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "jobs.store")),
	}
}

// Create registers a new queued job.
func (s *Store) Create(ctx context.Context, fileName, createdBy string) (*model.Job, error) {
	now := s.now()
	job := &model.Job{
		ID:          uuid.New().String(),
		FileName:    fileName,
		CreatedBy:   createdBy,
		Phase:       model.PhaseQueued,
		Message:     "Queued",
		CreatedAt:   now,
		LastUpdated: now,
	}

	if s.persist != nil {
		if err := s.persist.SaveJob(ctx, job); err != nil {
			return nil, eris.Wrap(err, "jobs: persist new job")
		}
	}

	s.mu.Lock()
	s.entries[job.ID] = &entry{job: job}
	s.mu.Unlock()

	s.log.Debug("job created", zap.String("job_id", job.ID), zap.String("file", fileName))
	return job.Clone(), nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return e, nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(_ context.Context, id string) (*model.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update atomically merges p into the job and returns the new snapshot.
// Terminal jobs, progress regressions, and phase edges other than
// queued→{running,complete,error} and running→{running,complete,error}
// fail with ErrInvalidTransition. A complete phase forces progress to 100.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*model.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.job
	if cur.Phase.Terminal() {
		return nil, eris.Wrapf(ErrInvalidTransition, "job %s is %s", id, cur.Phase)
	}
	if p.Phase != nil && !allowedEdge(cur.Phase, *p.Phase) {
		return nil, eris.Wrapf(ErrInvalidTransition, "job %s: %s to %s", id, cur.Phase, *p.Phase)
	}
	if p.Progress != nil {
		if *p.Progress < cur.Progress {
			return nil, eris.Wrapf(ErrInvalidTransition, "job %s: progress %d below %d", id, *p.Progress, cur.Progress)
		}
		if *p.Progress > 100 {
			return nil, eris.Wrapf(ErrInvalidTransition, "job %s: progress %d above 100", id, *p.Progress)
		}
	}

	next := cur.Clone()
	if p.Phase != nil {
		next.Phase = *p.Phase
	}
	if p.Progress != nil {
		next.Progress = *p.Progress
	}
	if p.Message != nil {
		next.Message = *p.Message
	}
	if p.ProcessedItems != nil {
		next.ProcessedItems = *p.ProcessedItems
	}
	if p.TotalItems != nil {
		next.TotalItems = *p.TotalItems
	}
	if p.FailedItems != nil {
		next.FailedItems = *p.FailedItems
	}
	if p.Result != nil {
		next.Result = p.Result
	}
	if next.Phase == model.PhaseComplete {
		next.Progress = 100
	}
	next.LastUpdated = s.now()
	if cur.Phase == model.PhaseQueued && next.Phase == model.PhaseRunning {
		started := next.LastUpdated
		next.StartedAt = &started
	}

	s.save(ctx, next)
	e.job = next
	return next.Clone(), nil
}

func allowedEdge(from, to model.Phase) bool {
	switch to {
	case model.PhaseRunning, model.PhaseComplete, model.PhaseError:
		return from.Active()
	}
	return false
}

// Cancel stops an active job: it moves to the error phase with the
// cancelled flag set. The processor notices between batches.
func (s *Store) Cancel(ctx context.Context, id string) (*model.Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Phase.Terminal() {
		return nil, eris.Wrapf(ErrInvalidTransition, "job %s is already %s", id, e.job.Phase)
	}

	next := e.job.Clone()
	next.Phase = model.PhaseError
	next.Cancelled = true
	next.Message = CancelledMessage
	next.LastUpdated = s.now()

	s.save(ctx, next)
	e.job = next
	s.log.Info("job cancelled", zap.String("job_id", id))
	return next.Clone(), nil
}

// List returns snapshots ordered by creation time, newest first.
func (s *Store) List(_ context.Context, f Filter) []*model.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		job := e.job.Clone()
		e.mu.Unlock()

		if f.Phase != "" && job.Phase != f.Phase {
			continue
		}
		if f.CreatedBy != "" && job.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, job)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Delete removes a job. Active jobs must be cancelled first.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	active := e.job.Phase.Active()
	e.mu.Unlock()
	if active {
		return eris.Wrapf(ErrInvalidTransition, "job %s is active; cancel it first", id)
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteJob(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(err, "jobs: delete persisted job %s", id)
		}
	}
	return nil
}

// Result returns the enriched rows of a completed job.
func (s *Store) Result(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Phase != model.PhaseComplete || job.Result == nil {
		return nil, eris.Wrapf(ErrNotReady, "job %s is %s", id, job.Status())
	}
	return job, nil
}

// Restore loads persisted jobs into the registry. Jobs a previous process
// left queued or running can never finish, so they are marked as errors.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}

	const page = 500
	restored := 0
	for offset := 0; ; offset += page {
		batch, err := s.persist.ListJobs(ctx, store.JobFilter{Limit: page, Offset: offset})
		if err != nil {
			return restored, eris.Wrap(err, "jobs: restore")
		}

		for i := range batch {
			job := batch[i]
			if job.Phase.Active() {
				job.Phase = model.PhaseError
				job.Message = InterruptedMessage
				job.LastUpdated = s.now()
				s.save(ctx, &job)
			}

			s.mu.Lock()
			if _, exists := s.entries[job.ID]; !exists {
				s.entries[job.ID] = &entry{job: &job}
				restored++
			}
			s.mu.Unlock()
		}

		if len(batch) < page {
			break
		}
	}

	s.log.Info("jobs restored", zap.Int("count", restored))
	return restored, nil
}

// Prune evicts terminal jobs whose last update is older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)

	var stale []string
	for _, job := range s.List(ctx, Filter{}) {
		if job.Phase.Terminal() && job.LastUpdated.Before(cutoff) {
			stale = append(stale, job.ID)
		}
	}

	pruned := 0
	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		s.log.Info("pruned jobs", zap.Int("count", pruned), zap.Duration("retention", retention))
	}
	return pruned, nil
}

// save writes through to the persister. Failures are logged; the in-memory
// registry remains the source of truth for the running process.
func (s *Store) save(ctx context.Context, job *model.Job) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveJob(ctx, job); err != nil {
		s.log.Warn("jobs: persist job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
