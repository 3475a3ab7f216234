package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/poll"
	"github.com/medprep/qbank-admin/pkg/client"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control enrichment jobs on a running server",
	Long:  "Commands for listing, watching, cancelling, deleting and downloading jobs through the admin API. Uses poll.server_url and poll.token.",
}

func newAPIClient() (*client.Client, error) {
	if err := cfg.Validate("client"); err != nil {
		return nil, err
	}
	return client.New(cfg.Poll.ServerURL, cfg.Poll.Token), nil
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		c.Scope, _ = cmd.Flags().GetString("scope")
		phase, _ := cmd.Flags().GetString("phase")
		c.Phase = model.Phase(phase)

		list, err := c.ListJobs(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobsList(os.Stdout, list)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.GetJob(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		output, _ := cmd.Flags().GetString("output")
		return writeJob(os.Stdout, job, output)
	},
}

// -- jobs watch --

var jobsWatchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Poll jobs until none is queued or running",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		c.Scope, _ = cmd.Flags().GetString("scope")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var src poll.Source = c
		if len(args) == 1 {
			src = singleJob{client: c, id: args[0]}
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = cfg.Poll.Interval()
		}

		w := &poll.Watcher{
			Source:   src,
			Interval: interval,
			OnChange: func(ch poll.Change) { printChange(os.Stdout, ch) },
			OnComplete: func(final []model.JobSummary) {
				fmt.Fprintf(os.Stderr, "No active jobs (%d total).\n", len(final))
			},
		}
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return eris.Wrap(err, "jobs watch")
		}
		return nil
	},
}

// singleJob narrows a client to one job.
type singleJob struct {
	client *client.Client
	id     string
}

func (s singleJob) ListJobs(ctx context.Context) ([]model.JobSummary, error) {
	job, err := s.client.GetJob(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return []model.JobSummary{*job}, nil
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Fprintf(os.Stdout, "%s  %s\n", job.ID, job.Status)
		return nil
	},
}

// -- jobs delete --

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.DeleteJob(cmd.Context(), args[0]); err != nil {
			return eris.Wrap(err, "jobs delete")
		}
		fmt.Fprintf(os.Stdout, "deleted %s\n", args[0])
		return nil
	},
}

// -- jobs download --

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download a completed job's corrected workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		data, name, err := c.Download(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "jobs download")
		}
		outDir, _ := cmd.Flags().GetString("out-dir")
		dest := filepath.Join(outDir, filepath.Base(name))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return eris.Wrapf(err, "jobs download: write %s", dest)
		}
		fmt.Fprintf(os.Stdout, "wrote %s\n", dest)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("scope", "mine", "jobs to list (mine, all)")
	jobsListCmd.Flags().String("phase", "", "filter by phase (queued, running, complete, error)")

	jobsShowCmd.Flags().StringP("output", "o", "table", "output format (table, json, yaml)")

	jobsWatchCmd.Flags().String("scope", "mine", "jobs to watch (mine, all)")
	jobsWatchCmd.Flags().Duration("interval", 0, "poll interval (default from config)")

	jobsDownloadCmd.Flags().String("out-dir", ".", "directory to write the workbook to")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsDownloadCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, list []model.JobSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tROWS\tFAILED\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t----\t------\t-------")

	for _, j := range list {
		file := j.FileName
		if len(file) > 30 {
			file = file[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d/%d\t%d\t%s\n",
			truncateID(j.ID),
			file,
			j.Status,
			j.Progress,
			j.ProcessedItems,
			j.TotalItems,
			j.FailedItems,
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// writeJob renders a job summary as a key/value table, JSON or YAML.
func writeJob(out io.Writer, job *model.JobSummary, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(jobYAML(job)); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "table", "":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "ID:\t%s\n", job.ID)
		_, _ = fmt.Fprintf(w, "File:\t%s\n", job.FileName)
		if job.CreatedBy != "" {
			_, _ = fmt.Fprintf(w, "Created by:\t%s\n", job.CreatedBy)
		}
		_, _ = fmt.Fprintf(w, "Status:\t%s\n", job.Status)
		_, _ = fmt.Fprintf(w, "Progress:\t%d%% (%d/%d rows, %d failed)\n",
			job.Progress, job.ProcessedItems, job.TotalItems, job.FailedItems)
		_, _ = fmt.Fprintf(w, "Message:\t%s\n", job.Message)
		_, _ = fmt.Fprintf(w, "Created:\t%s\n", job.CreatedAt.Local().Format(time.RFC3339))
		if job.CompletedAt != nil {
			_, _ = fmt.Fprintf(w, "Completed:\t%s\n", job.CompletedAt.Local().Format(time.RFC3339))
		}
		_, _ = fmt.Fprintf(w, "Download:\t%t\n", job.HasResult)
		return w.Flush()
	default:
		return eris.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// jobYAML mirrors the API field names, which yaml.v3 would otherwise
// lowercase from the Go names.
func jobYAML(job *model.JobSummary) map[string]any {
	m := map[string]any{
		"id":             job.ID,
		"fileName":       job.FileName,
		"status":         string(job.Status),
		"phase":          string(job.Phase),
		"progress":       job.Progress,
		"message":        job.Message,
		"processedItems": job.ProcessedItems,
		"totalItems":     job.TotalItems,
		"failedItems":    job.FailedItems,
		"createdAt":      job.CreatedAt.UTC().Format(time.RFC3339),
		"lastUpdated":    job.LastUpdated.UTC().Format(time.RFC3339),
		"hasResult":      job.HasResult,
	}
	if job.CreatedBy != "" {
		m["createdBy"] = job.CreatedBy
	}
	if job.StartedAt != nil {
		m["startedAt"] = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		m["completedAt"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return m
}
