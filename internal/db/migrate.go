package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MigrationLockKey is the advisory lock held while schema migrations run.
const MigrationLockKey int64 = 4_172_603

// Migrate applies ddl in one transaction holding a transaction-scoped
// advisory lock, so overlapping deploys never run it concurrently. The lock
// is released by the commit or rollback on the same connection.
func Migrate(ctx context.Context, pool Pool, ddl string) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin migration")
	}

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", MigrationLockKey); err != nil {
		rollback(ctx, tx, log)
		return eris.Wrap(err, "db: acquire migration advisory lock")
	}
	if _, err := tx.Exec(ctx, ddl); err != nil {
		rollback(ctx, tx, log)
		return eris.Wrap(err, "db: apply schema")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit migration")
	}
	log.Debug("schema applied")
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx, log *zap.Logger) {
	if err := tx.Rollback(ctx); err != nil {
		log.Warn("db: rollback migration", zap.Error(err))
	}
}
