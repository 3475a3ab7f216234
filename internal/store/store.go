// Package store persists jobs and validation sessions so they survive a
// process restart.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/medprep/qbank-admin/internal/model"
)

// ErrNotFound is returned when a job or live session does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Phase     model.Phase `json:"phase,omitempty"`
	CreatedBy string      `json:"created_by,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// Store defines the persistence interface for jobs and validation sessions.
type Store interface {
	// Jobs
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	DeleteJob(ctx context.Context, id string) error

	// Validation sessions
	SaveSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteExpiredSessions(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(filter JobFilter) int {
	if filter.Limit <= 0 {
		return defaultListLimit
	}
	return filter.Limit
}
