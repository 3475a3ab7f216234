package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/store"
)

// initStore opens the configured backend and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "qbank.db"
		}
		st, err = store.NewSQLite(path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the job and session database",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Ping(ctx); err != nil {
			return eris.Wrap(err, "store init")
		}
		zap.L().Info("store ready", zap.String("driver", cfg.Store.Driver))
		fmt.Fprintf(os.Stdout, "%s store is up to date\n", cfg.Store.Driver)
		return nil
	},
}

var storeCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired validation sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteExpiredSessions(ctx)
		if err != nil {
			return eris.Wrap(err, "store cleanup")
		}
		fmt.Fprintf(os.Stdout, "deleted %d expired sessions\n", n)
		return nil
	},
}

func init() {
	storeCmd.AddCommand(storeInitCmd)
	storeCmd.AddCommand(storeCleanupCmd)
	rootCmd.AddCommand(storeCmd)
}
