package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/observability"
	"github.com/gridlens/gridlens/internal/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and requeue enrichment jobs",
}

var (
	jobsListStatus   string
	jobsListResource string
	jobsListLimit    int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in claim order",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := core.JobFilter{
			Resource: strings.ToLower(strings.TrimSpace(jobsListResource)),
			Limit:    jobsListLimit,
		}
		if strings.TrimSpace(jobsListStatus) != "" {
			status, err := core.ParseJobStatus(jobsListStatus)
			if err != nil {
				return err
			}
			filter.Status = status
		}

		p, err := openQueueOnly(cmd)
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		jobs, err := p.queue.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return render(cmd, func(f output.Formatter) (string, error) { return f.FormatJobs(jobs) })
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openQueueOnly(cmd)
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		stats, err := p.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, func(f output.Formatter) (string, error) { return f.FormatStats(stats) })
	},
}

var (
	requeueFailed   bool
	requeueStale    bool
	requeueResource string
)

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return failed or stale claimed jobs to pending",
	Long: `Return jobs to pending.

--failed resets failed jobs (optionally for one --resource) with a fresh
attempt budget. --stale releases claims older than queue.claim_lease.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !requeueFailed && !requeueStale {
			return fmt.Errorf("choose --failed and/or --stale")
		}
		if requeueStale && strings.TrimSpace(requeueResource) != "" {
			return fmt.Errorf("--resource applies only to --failed")
		}

		p, err := openQueueOnly(cmd)
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		if requeueStale {
			n, err := p.queue.RequeueStale(ctx, p.cfg.Queue.ClaimLease)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "requeued %d stale claimed job(s)\n", n)
		}
		if requeueFailed {
			n, err := p.queue.RequeueFailed(ctx, strings.ToLower(strings.TrimSpace(requeueResource)))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "requeued %d failed job(s)\n", n)
		}
		return nil
	},
}

// openQueueOnly opens the store and queue without engine sinks.
func openQueueOnly(cmd *cobra.Command) (*pipeline, error) {
	cfg, err := loadConfig(nil)
	if err != nil {
		return nil, err
	}
	return newPipeline(cmd.Context(), cfg, observability.Current(), pipelineOptions{})
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Filter by status: pending|claimed|completed|failed")
	jobsListCmd.Flags().StringVar(&jobsListResource, "resource", "", "Filter by resource")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum jobs to list (0 for all)")
	addOutputFlags(jobsListCmd)
	addOutputFlags(jobsStatsCmd)

	jobsRequeueCmd.Flags().BoolVar(&requeueFailed, "failed", false, "Requeue failed jobs")
	jobsRequeueCmd.Flags().BoolVar(&requeueStale, "stale", false, "Requeue claims older than queue.claim_lease")
	jobsRequeueCmd.Flags().StringVar(&requeueResource, "resource", "", "Limit --failed to one resource")

	jobsCmd.AddCommand(jobsListCmd, jobsStatsCmd, jobsRequeueCmd)
	rootCmd.AddCommand(jobsCmd)
}
