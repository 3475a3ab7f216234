package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/jobs"
	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/poll"
	"github.com/medprep/qbank-admin/internal/sheet"
	"github.com/medprep/qbank-admin/internal/validate"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <workbook.xlsx>",
	Short: "Validate a workbook and enrich the selected rows in-process",
	Long:  "Runs an enrichment job locally without a server. Progress is printed as the job advances and the corrected workbook is written on completion. Ctrl-C cancels the job.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		modeFlag, _ := cmd.Flags().GetString("mode")
		mode := model.ExportMode(modeFlag)
		if !mode.Valid() {
			return eris.Errorf("enrich: unknown mode %q (want good or bad)", modeFlag)
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency < 0 || concurrency > cfg.Jobs.MaxBatchConcurrency {
			return eris.Errorf("enrich: concurrency must be between 0 and %d", cfg.Jobs.MaxBatchConcurrency)
		}
		outDir, _ := cmd.Flags().GetString("out-dir")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path := args[0]
		wb, err := sheet.ReadWorkbookFile(path)
		if err != nil {
			return err
		}
		res, err := validate.Validate(wb)
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		rows := res.GoodRows()
		if mode == model.ExportBad {
			rows = res.BadRows()
		}

		enricher, err := initEnricher()
		if err != nil {
			return err
		}

		registry := jobs.NewStore(nil)
		processor := jobs.NewProcessor(registry, enricher, processorConfig())
		defer processor.Shutdown(context.Background()) //nolint:errcheck

		job, err := registry.Create(context.Background(), filepath.Base(path), "cli")
		if err != nil {
			return err
		}
		log := zap.L().With(zap.String("job_id", job.ID))
		log.Info("enrich job created", zap.Int("rows", len(rows)), zap.String("mode", string(mode)))

		if err := processor.Submit(context.Background(), job.ID, rows, concurrency); err != nil {
			return err
		}

		w := &poll.Watcher{
			Source:   jobSource{registry: registry, id: job.ID},
			Interval: cfg.Poll.Interval(),
			OnChange: func(c poll.Change) { printChange(os.Stderr, c) },
		}
		if err := w.Run(ctx); err != nil {
			if ctx.Err() != nil {
				// Interrupted: cancel so the processor stops between batches.
				if _, cerr := registry.Cancel(context.Background(), job.ID); cerr != nil {
					log.Warn("cancel job", zap.Error(cerr))
				}
				return eris.New("enrich: cancelled")
			}
			return err
		}

		done, err := registry.Get(context.Background(), job.ID)
		if err != nil {
			return err
		}
		if done.Phase != model.PhaseComplete {
			return eris.Errorf("enrich: job %s: %s", done.Status(), done.Message)
		}
		exp, err := sheet.ExportJobResult(done.Result, filepath.Base(path))
		if err != nil {
			return err
		}
		dest := filepath.Join(outDir, exp.FileName)
		if err := os.WriteFile(dest, exp.Data, 0o644); err != nil {
			return eris.Wrapf(err, "enrich: write %s", dest)
		}
		fmt.Fprintf(os.Stdout, "%s\nwrote %s\n", done.Message, dest)
		return nil
	},
}

// jobSource adapts the in-process registry to poll.Source for one job.
type jobSource struct {
	registry *jobs.Store
	id       string
}

func (s jobSource) ListJobs(ctx context.Context) ([]model.JobSummary, error) {
	job, err := s.registry.Get(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return []model.JobSummary{job.Summary()}, nil
}

// printChange writes a one-line progress report for a job change.
func printChange(out io.Writer, c poll.Change) {
	j := c.Job
	switch c.Kind {
	case poll.Removed:
		_, _ = fmt.Fprintf(out, "%s  removed\n", truncateID(j.ID))
	default:
		_, _ = fmt.Fprintf(out, "%s  %-9s %3d%%  %d/%d  %s\n",
			truncateID(j.ID), j.Status, j.Progress, j.ProcessedItems, j.TotalItems, j.Message)
	}
}

// truncateID returns the first 8 characters of an ID for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	enrichCmd.Flags().String("mode", "bad", "which rows to enrich (good, bad)")
	enrichCmd.Flags().Int("concurrency", 0, "rows enriched in parallel per batch (default from config)")
	enrichCmd.Flags().String("out-dir", ".", "directory to write the corrected workbook to")
	rootCmd.AddCommand(enrichCmd)
}
