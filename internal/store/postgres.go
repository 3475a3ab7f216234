package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/medprep/qbank-admin/internal/db"
	"github.com/medprep/qbank-admin/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var jobColumns = []string{
	"id", "file_name", "created_by", "phase", "cancelled", "progress", "message",
	"processed_items", "total_items", "failed_items", "result", "created_at", "updated_at",
}

const pgJobSelect = `SELECT id, file_name, created_by, phase, cancelled, progress, message, processed_items, total_items, failed_items, result, created_at, updated_at FROM jobs`

var (
	upsertJobSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "jobs",
		Columns:      jobColumns,
		ConflictKeys: []string{"id"},
		UpdateCols: []string{
			"phase", "cancelled", "progress", "message",
			"processed_items", "total_items", "failed_items", "result", "updated_at",
		},
	})
	upsertSessionSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "validation_sessions",
		Columns:      []string{"id", "file_name", "result", "created_at", "expires_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"result", "expires_at"},
	})
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	// pgx caches prepared statements per connection by default; the upserts
	// below are built once so their text is stable across calls.
	pgxCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	file_name       TEXT NOT NULL,
	created_by      TEXT NOT NULL DEFAULT '',
	phase           TEXT NOT NULL DEFAULT 'queued',
	cancelled       BOOLEAN NOT NULL DEFAULT false,
	progress        INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	message         TEXT NOT NULL DEFAULT '',
	processed_items INTEGER NOT NULL DEFAULT 0,
	total_items     INTEGER NOT NULL DEFAULT 0,
	failed_items    INTEGER NOT NULL DEFAULT 0,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_phase ON jobs(phase);
CREATE INDEX IF NOT EXISTS idx_jobs_created_by ON jobs(created_by);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS validation_sessions (
	id         TEXT PRIMARY KEY,
	file_name  TEXT NOT NULL,
	result     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_sessions_expires_at ON validation_sessions(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, postgresMigration), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	_, err = s.pool.Exec(ctx, upsertJobSQL,
		job.ID, job.FileName, job.CreatedBy, string(job.Phase), job.Cancelled, job.Progress, job.Message,
		job.ProcessedItems, job.TotalItems, job.FailedItems, resultJSON, job.CreatedAt.UTC(), job.LastUpdated.UTC(),
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, pgJobSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := pgJobSelect + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Phase != "" {
		query += fmt.Sprintf(` AND phase = $%d`, argIdx)
		args = append(args, string(filter.Phase))
		argIdx++
	}
	if filter.CreatedBy != "" {
		query += fmt.Sprintf(` AND created_by = $%d`, argIdx)
		args = append(args, filter.CreatedBy)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.Session) error {
	resultJSON, err := json.Marshal(sess.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}
	_, err = s.pool.Exec(ctx, upsertSessionSQL,
		sess.ID, sess.FileName, resultJSON, sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save session %s", sess.ID)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	var resultJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, file_name, result, created_at, expires_at FROM validation_sessions WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&sess.ID, &sess.FileName, &resultJSON, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}

	sess.Result = &model.ValidationResult{}
	if err := json.Unmarshal(resultJSON, sess.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal session")
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM validation_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired sessions")
	}
	return int(tag.RowsAffected()), nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var phase string
	var resultNull *[]byte

	err := row.Scan(&j.ID, &j.FileName, &j.CreatedBy, &phase, &j.Cancelled, &j.Progress, &j.Message,
		&j.ProcessedItems, &j.TotalItems, &j.FailedItems, &resultNull, &j.CreatedAt, &j.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Phase = model.Phase(phase)

	if resultNull != nil {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal(*resultNull, j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &j, nil
}
