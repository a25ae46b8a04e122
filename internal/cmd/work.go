package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	errwrap "github.com/gridlens/gridlens/internal/errors"
	"github.com/gridlens/gridlens/internal/observability"
)

var workOnce bool

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the orchestrator without the HTTP API",
	Long: `Claim pending jobs and dispatch them to third-party APIs until interrupted.

With --once a single pass runs and its summary is printed as JSON.
Set metrics.addr to expose the pipeline Prometheus registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(changedFlags(cmd, map[string]string{
			"workers":    "workers",
			"batch-size": "queue.batch_size",
		}))
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid")
		}
		if len(cfg.Resources) == 0 {
			return errwrap.NewConfigInvalidError("no resources configured; workers would fail every job")
		}
		if err := initServerObservability(cfg); err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
		}
		logger := observability.ServerLogger

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		p, err := newPipeline(ctx, cfg, logger, pipelineOptions{Engine: true, Telemetry: cfg.Metrics.Enabled})
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Warn("Failed to close pipeline", zap.Error(err))
			}
		}()

		if workOnce {
			if _, err := p.queue.RequeueStale(ctx, cfg.Queue.ClaimLease); err != nil {
				return err
			}
			result, err := p.orchestrator().RunOnce(ctx)
			if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
				return printErr
			}
			return err
		}

		installSignals(ctx, cancel, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runWorker(gctx, p) })
		if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
			g.Go(func() error { return servePipelineMetrics(gctx, addr, p.prom.Handler(), logger) })
		}
		if cfg.Metrics.Enabled {
			go trackUptime(gctx)
		}

		err = g.Wait()
		_ = observability.ServerLogger.Sync()
		return err
	},
}

func init() {
	rootCmd.AddCommand(workCmd)

	workCmd.Flags().Int("workers", 4, "concurrent resource groups per pass")
	workCmd.Flags().Int("batch-size", 10, "jobs claimed per pass")
	workCmd.Flags().BoolVar(&workOnce, "once", false, "run a single pass and exit")
}
