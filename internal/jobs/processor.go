package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/resilience"
)

// Enricher corrects or completes a single row. Errors should be
// resilience.TransientError or resilience.PermanentError; anything else is
// treated as permanent unless it looks like a network failure.
type Enricher interface {
	Enrich(ctx context.Context, row model.Row) (model.Row, error)
}

// Config holds processor tuning knobs.
type Config struct {
	// BatchConcurrency is the default number of simultaneous enrichment
	// calls when Submit is given zero.
	BatchConcurrency int
	// FailureThreshold is the number of consecutive failed batches that
	// moves a job to the error phase.
	FailureThreshold int
	// BatchTimeout bounds one batch. A timed-out batch counts as failed.
	BatchTimeout time.Duration
	// MaxDuration bounds the whole job.
	MaxDuration time.Duration
	// Retry controls per-row retries of transient failures.
	Retry resilience.RetryConfig
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		BatchConcurrency: 5,
		FailureThreshold: 3,
		BatchTimeout:     2 * time.Minute,
		MaxDuration:      time.Hour,
		Retry:            resilience.DefaultRetryConfig(),
	}
}

// Processor runs submitted jobs. Each job gets one goroutine, which is the
// only writer of that job's progress.
type Processor struct {
	store    *Store
	enricher Enricher
	cfg      Config
	log      *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	closed bool
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a processor writing to store.
func NewProcessor(store *Store, enricher Enricher, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Processor{
		store:    store,
		enricher: enricher,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "jobs.processor")),
		baseCtx:  ctx,
		stop:     stop,
		active:   make(map[string]context.CancelFunc),
	}
}

// Submit starts enriching rows for a queued job and returns once the job is
// running. A job with no rows completes before Submit returns.
func (p *Processor) Submit(ctx context.Context, jobID string, rows []model.Row, batchConcurrency int) error {
	if batchConcurrency <= 0 {
		batchConcurrency = p.cfg.BatchConcurrency
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProcessorClosed
	}
	if _, running := p.active[jobID]; running {
		return eris.Wrapf(ErrInvalidTransition, "job %s already has a writer", jobID)
	}

	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Phase != model.PhaseQueued {
		return eris.Wrapf(ErrInvalidTransition, "job %s is %s, not queued", jobID, job.Phase)
	}

	total := len(rows)
	if total == 0 {
		_, err := p.store.Update(ctx, jobID, Patch{
			Phase:          Ptr(model.PhaseComplete),
			Progress:       Ptr(100),
			ProcessedItems: Ptr(0),
			TotalItems:     Ptr(0),
			Message:        Ptr(completionMessage(0, 0, 0)),
			Result:         &model.JobResult{Rows: []model.Row{}},
		})
		return err
	}

	if _, err := p.store.Update(ctx, jobID, Patch{
		Phase:      Ptr(model.PhaseRunning),
		TotalItems: Ptr(total),
		Message:    Ptr(fmt.Sprintf("Starting enrichment of %d rows", total)),
	}); err != nil {
		return err
	}

	jobCtx, cancel := context.WithTimeout(p.baseCtx, p.cfg.MaxDuration)
	p.active[jobID] = cancel
	p.wg.Add(1)

	input := make([]model.Row, total)
	copy(input, rows)
	go p.run(jobCtx, jobID, input, batchConcurrency)

	return nil
}

// Active returns the ids of jobs currently being processed.
func (p *Processor) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown waits for running jobs. If ctx ends first, remaining jobs are
// interrupted and moved to the error phase.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		return eris.Wrap(ctx.Err(), "jobs: shutdown interrupted running jobs")
	}
}

type rowOutcome struct {
	row model.Row
	err error
}

// jobState accumulates the output of one job across batches.
type jobState struct {
	out       []model.Row
	failed    []int
	enriched  int
	processed int
}

func (st *jobState) result(partial bool) *model.JobResult {
	rows := st.out
	if partial {
		rows = st.out[:st.processed]
	}
	failed := append([]int(nil), st.failed...)
	return &model.JobResult{Rows: rows, FailedRows: failed, Partial: partial}
}

func (p *Processor) run(ctx context.Context, jobID string, rows []model.Row, concurrency int) {
	defer p.finish(jobID)

	log := p.log.With(zap.String("job_id", jobID))
	total := len(rows)
	batches := (total + concurrency - 1) / concurrency
	started := time.Now()

	st := &jobState{out: make([]model.Row, total)}
	copy(st.out, rows)

	breaker := resilience.NewBreaker(p.cfg.FailureThreshold, func(failures int, last error) {
		log.Warn("failure threshold reached", zap.Int("consecutive_failed_batches", failures), zap.Error(last))
	})

	log.Info("job started", zap.Int("rows", total), zap.Int("batches", batches), zap.Int("concurrency", concurrency))

	for b := 0; b < batches; b++ {
		if p.cancelled(ctx, jobID) {
			log.Info("job cancelled, stopping before next batch", zap.Int("batch", b+1))
			return
		}
		if err := ctx.Err(); err != nil {
			p.interrupt(ctx, jobID, st, total, time.Since(started), log)
			return
		}

		start := b * concurrency
		end := min(start+concurrency, total)

		outcomes, batchErr := p.runBatch(ctx, rows[start:end], concurrency)

		// Results of a batch that was in flight when the job was cancelled are
		// discarded.
		if p.cancelled(ctx, jobID) {
			log.Info("job cancelled, discarding in-flight batch", zap.Int("batch", b+1))
			return
		}
		if ctx.Err() != nil {
			p.interrupt(ctx, jobID, st, total, time.Since(started), log)
			return
		}

		for i, o := range outcomes {
			if o.err != nil {
				st.failed = append(st.failed, start+i)
				log.Debug("row enrichment failed",
					zap.Int("row", rows[start+i].Index),
					zap.String("sheet", string(rows[start+i].Kind)),
					zap.String("kind", resilience.Classify(o.err)),
					zap.Error(o.err))
				continue
			}
			st.out[start+i] = o.row
			st.enriched++
		}
		st.processed = end

		if breaker.Record(batchErr) {
			_, last := breaker.Counters()
			msg := fmt.Sprintf("Enrichment failed: enrichment service unavailable after %d consecutive failed batches (%v); %d of %d rows processed",
				p.cfg.FailureThreshold, last, st.processed, total)
			p.fail(ctx, jobID, st, msg, log)
			return
		}
		if batchErr != nil {
			log.Warn("batch failed", zap.Int("batch", b+1), zap.Error(batchErr))
		}

		progress := st.processed * 100 / total
		_, err := p.store.Update(ctx, jobID, Patch{
			Progress:       Ptr(progress),
			ProcessedItems: Ptr(st.processed),
			FailedItems:    Ptr(len(st.failed)),
			Message: Ptr(fmt.Sprintf("Processed batch %d of %d: %d of %d rows, %d failed",
				b+1, batches, st.processed, total, len(st.failed))),
		})
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				log.Info("job no longer writable, stopping", zap.Error(err))
				return
			}
			log.Error("progress update failed", zap.Error(err))
		}
	}

	_, err := p.store.Update(context.WithoutCancel(ctx), jobID, Patch{
		Phase:          Ptr(model.PhaseComplete),
		Progress:       Ptr(100),
		ProcessedItems: Ptr(total),
		FailedItems:    Ptr(len(st.failed)),
		Message:        Ptr(completionMessage(st.enriched, total, len(st.failed))),
		Result:         st.result(false),
	})
	if err != nil {
		log.Error("completing job failed", zap.Error(err))
		return
	}
	log.Info("job complete",
		zap.Int("enriched", st.enriched),
		zap.Int("failed", len(st.failed)),
		zap.Duration("elapsed", time.Since(started)))
}

// runBatch enriches rows with at most concurrency calls in flight. It
// returns an error when the batch timed out or every call failed, whether
// transiently or permanently.
func (p *Processor) runBatch(ctx context.Context, rows []model.Row, concurrency int) ([]rowOutcome, error) {
	bctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	outcomes := make([]rowOutcome, len(rows))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, row := range rows {
		g.Go(func() error {
			outcomes[i] = p.enrichRow(bctx, row)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
		return outcomes, eris.Errorf("batch timed out after %s", p.cfg.BatchTimeout)
	}

	var last error
	for _, o := range outcomes {
		if o.err == nil {
			return outcomes, nil
		}
		last = o.err
	}
	return outcomes, eris.Wrapf(last, "all %d calls in batch failed", len(rows))
}

func (p *Processor) enrichRow(ctx context.Context, row model.Row) rowOutcome {
	retry := p.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(p.log, "enrich_row")
	}
	enriched, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (model.Row, error) {
		return p.enricher.Enrich(ctx, row)
	})
	if err != nil {
		return rowOutcome{row: row, err: err}
	}
	return rowOutcome{row: enriched}
}

// cancelled reports whether the job was cancelled or otherwise finished by
// someone other than this processor.
func (p *Processor) cancelled(ctx context.Context, jobID string) bool {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return true
	}
	return job.Cancelled || job.Phase.Terminal()
}

// interrupt ends a job whose context expired: either the maximum duration
// elapsed or the processor is shutting down.
func (p *Processor) interrupt(ctx context.Context, jobID string, st *jobState, total int, elapsed time.Duration, log *zap.Logger) {
	var msg string
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause := eris.Wrapf(ErrJobTimedOut, "exceeded %s", p.cfg.MaxDuration)
		msg = fmt.Sprintf("Enrichment failed: %v; %d of %d rows processed", cause, st.processed, total)
	} else {
		msg = fmt.Sprintf("Enrichment failed: interrupted by server shutdown; %d of %d rows processed", st.processed, total)
	}
	log.Warn("job interrupted", zap.Duration("elapsed", elapsed), zap.Error(ctx.Err()))
	p.fail(ctx, jobID, st, msg, log)
}

func (p *Processor) fail(ctx context.Context, jobID string, st *jobState, msg string, log *zap.Logger) {
	patch := Patch{
		Phase:          Ptr(model.PhaseError),
		ProcessedItems: Ptr(st.processed),
		FailedItems:    Ptr(len(st.failed)),
		Message:        Ptr(msg),
	}
	if st.processed > 0 {
		patch.Result = st.result(true)
	}
	if _, err := p.store.Update(context.WithoutCancel(ctx), jobID, patch); err != nil {
		log.Error("marking job failed", zap.Error(err))
		return
	}
	log.Warn("job failed", zap.String("message", msg))
}

func (p *Processor) finish(jobID string) {
	p.mu.Lock()
	if cancel, ok := p.active[jobID]; ok {
		cancel()
		delete(p.active, jobID)
	}
	p.mu.Unlock()
	p.wg.Done()
}

func completionMessage(enriched, total, failed int) string {
	return fmt.Sprintf("Enrichment complete: %d of %d rows enriched, %d failed", enriched, total, failed)
}
