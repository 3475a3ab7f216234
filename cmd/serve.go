package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medprep/qbank-admin/internal/api"
	"github.com/medprep/qbank-admin/internal/auth"
	"github.com/medprep/qbank-admin/internal/jobs"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		authz, err := auth.ParseStaticTokens(cfg.Auth.AdminTokens)
		if err != nil {
			return err
		}

		enricher, err := initEnricher()
		if err != nil {
			return err
		}

		registry := jobs.NewStore(st)
		if _, err := registry.Restore(ctx); err != nil {
			return err
		}
		processor := jobs.NewProcessor(registry, enricher, processorConfig())

		server := api.New(api.Deps{
			Jobs:       registry,
			Processor:  processor,
			Sessions:   st,
			Authorizer: authz,
		}, api.Config{
			SessionTTL:          cfg.Sessions.TTL(),
			MaxUploadBytes:      int64(cfg.Server.MaxUploadMB) << 20,
			MaxBatchConcurrency: cfg.Jobs.MaxBatchConcurrency,
			AllowedOrigins:      cfg.Server.AllowedOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", cfg.Server.Port),
				zap.String("provider", cfg.Enrich.Provider),
				zap.Int("admins", authz.Len()),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		if retention := cfg.Jobs.Retention(); retention > 0 {
			g.Go(func() error {
				every(gctx, time.Duration(cfg.Jobs.PruneIntervalMins)*time.Minute, func(ctx context.Context) {
					if _, err := registry.Prune(ctx, retention); err != nil {
						zap.L().Warn("prune jobs failed", zap.Error(err))
					}
				})
				return nil
			})
		}

		g.Go(func() error {
			every(gctx, time.Duration(cfg.Sessions.CleanupIntervalMins)*time.Minute, func(ctx context.Context) {
				n, err := st.DeleteExpiredSessions(ctx)
				if err != nil {
					zap.L().Warn("session cleanup failed", zap.Error(err))
					return
				}
				if n > 0 {
					zap.L().Info("expired sessions deleted", zap.Int("count", n))
				}
			})
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")

			timeout := time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("http shutdown", zap.Error(err))
			}
			if err := processor.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("job processor shutdown", zap.Error(err))
			}
			return nil
		})

		return g.Wait()
	},
}

// every runs fn on each tick until ctx ends. A non-positive interval
// disables the loop.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
