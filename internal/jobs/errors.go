package jobs

import "github.com/rotisserie/eris"

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = eris.New("jobs: job not found")
	// ErrInvalidTransition is returned for a mutation the job's current state
	// does not allow (terminal job, progress regression, illegal phase edge,
	// deleting an active job, a second writer).
	ErrInvalidTransition = eris.New("jobs: invalid transition")
	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = eris.New("jobs: result not ready")
	// ErrJobTimedOut is the cause recorded when a job exceeds its maximum duration.
	ErrJobTimedOut = eris.New("jobs: job timed out")
	// ErrProcessorClosed is returned by Submit after Shutdown has started.
	ErrProcessorClosed = eris.New("jobs: processor is shut down")
)
