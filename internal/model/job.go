package model

import "time"

// Phase is the coarse lifecycle state of a job.
type Phase string

const (
	PhaseQueued   Phase = "queued"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// Terminal reports whether no further mutation is allowed in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Active reports whether a job in this phase is waiting for or doing work.
func (p Phase) Active() bool {
	return p == PhaseQueued || p == PhaseRunning
}

// Status is the client-facing job state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one long-running enrichment task.
type Job struct {
	ID             string     `json:"id"`
	FileName       string     `json:"fileName"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	Phase          Phase      `json:"phase"`
	Cancelled      bool       `json:"cancelled,omitempty"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	ProcessedItems int        `json:"processedItems"`
	TotalItems     int        `json:"totalItems"`
	FailedItems    int        `json:"failedItems"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUpdated    time.Time  `json:"lastUpdated"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	Result         *JobResult `json:"result,omitempty"`
}

// JobResult is the enriched output of a job. FailedRows holds the indexes
// (into Rows) of rows passed through unmodified after an enrichment failure.
type JobResult struct {
	Rows       []Row `json:"rows"`
	FailedRows []int `json:"failedRows,omitempty"`
	Partial    bool  `json:"partial,omitempty"`
}

// Status maps the phase and cancel flag onto the client-facing status.
func (j *Job) Status() Status {
	switch j.Phase {
	case PhaseQueued:
		return StatusQueued
	case PhaseRunning:
		return StatusRunning
	case PhaseComplete:
		return StatusCompleted
	default:
		if j.Cancelled {
			return StatusCancelled
		}
		return StatusFailed
	}
}

// Clone returns a copy safe to hand to readers. Result rows are shared; they
// are never mutated once attached to a job.
func (j *Job) Clone() *Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return &out
}

// JobSummary is the projection of a job returned to pollers.
type JobSummary struct {
	ID             string     `json:"id"`
	FileName       string     `json:"fileName"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	Status         Status     `json:"status"`
	Phase          Phase      `json:"phase"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	ProcessedItems int        `json:"processedItems"`
	TotalItems     int        `json:"totalItems"`
	FailedItems    int        `json:"failedItems"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastUpdated    time.Time  `json:"lastUpdated"`
	HasResult      bool       `json:"hasResult"`
}

// Summary builds the client-facing projection of the job.
func (j *Job) Summary() JobSummary {
	s := JobSummary{
		ID:             j.ID,
		FileName:       j.FileName,
		CreatedBy:      j.CreatedBy,
		Status:         j.Status(),
		Phase:          j.Phase,
		Progress:       j.Progress,
		Message:        j.Message,
		ProcessedItems: j.ProcessedItems,
		TotalItems:     j.TotalItems,
		FailedItems:    j.FailedItems,
		CreatedAt:      j.CreatedAt,
		LastUpdated:    j.LastUpdated,
		HasResult:      j.Phase == PhaseComplete && j.Result != nil,
	}
	if j.Phase != PhaseQueued {
		// Jobs restored from storage carry no start stamp.
		started := j.CreatedAt
		if j.StartedAt != nil {
			started = *j.StartedAt
		}
		s.StartedAt = &started
	}
	if j.Phase.Terminal() {
		done := j.LastUpdated
		s.CompletedAt = &done
	}
	return s
}

// Active reports whether the summarized job is queued or running.
func (s JobSummary) Active() bool {
	return s.Phase.Active()
}
