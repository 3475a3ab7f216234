package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/medprep/qbank-admin/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	file_name       TEXT NOT NULL,
	created_by      TEXT NOT NULL DEFAULT '',
	phase           TEXT NOT NULL DEFAULT 'queued',
	cancelled       INTEGER NOT NULL DEFAULT 0,
	progress        INTEGER NOT NULL DEFAULT 0,
	message         TEXT NOT NULL DEFAULT '',
	processed_items INTEGER NOT NULL DEFAULT 0,
	total_items     INTEGER NOT NULL DEFAULT 0,
	failed_items    INTEGER NOT NULL DEFAULT 0,
	result          TEXT,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_phase ON jobs(phase);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS validation_sessions (
	id         TEXT PRIMARY KEY,
	file_name  TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_sessions_expires_at ON validation_sessions(expires_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteJobColumns = `id, file_name, created_by, phase, cancelled, progress, message, processed_items, total_items, failed_items, result, created_at, updated_at`

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+sqliteJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			cancelled = excluded.cancelled,
			progress = excluded.progress,
			message = excluded.message,
			processed_items = excluded.processed_items,
			total_items = excluded.total_items,
			failed_items = excluded.failed_items,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		job.ID, job.FileName, job.CreatedBy, string(job.Phase), job.Cancelled, job.Progress, job.Message,
		job.ProcessedItems, job.TotalItems, job.FailedItems, nullableText(resultJSON), job.CreatedAt.UTC(), job.LastUpdated.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(filter.Phase))
	}
	if filter.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, filter.CreatedBy)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.Session) error {
	resultJSON, err := json.Marshal(sess.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_sessions (id, file_name, result, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET result = excluded.result, expires_at = excluded.expires_at`,
		sess.ID, sess.FileName, string(resultJSON), sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save session %s", sess.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, result, created_at, expires_at FROM validation_sessions WHERE id = ? AND expires_at > ?`,
		id, time.Now().UTC(),
	).Scan(&sess.ID, &sess.FileName, &resultJSON, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}

	sess.Result = &model.ValidationResult{}
	if err := json.Unmarshal([]byte(resultJSON), sess.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal session")
	}
	return &sess, nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired sessions")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var resultJSON sql.NullString

	err := row.Scan(&j.ID, &j.FileName, &j.CreatedBy, &j.Phase, &j.Cancelled, &j.Progress, &j.Message,
		&j.ProcessedItems, &j.TotalItems, &j.FailedItems, &resultJSON, &j.CreatedAt, &j.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if resultJSON.Valid {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &j, nil
}

// marshalResult encodes a job result, returning nil for a missing result so
// the column stays NULL.
func marshalResult(r *model.JobResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
