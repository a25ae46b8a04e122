package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridlens/gridlens/internal/config"
	errwrap "github.com/gridlens/gridlens/internal/errors"
	"github.com/gridlens/gridlens/internal/observability"
	"github.com/gridlens/gridlens/internal/server"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

var serveAPIOnly bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and an in-process worker",
	Long: `Start the HTTP API with graceful shutdown support.

The API exposes queue and resource state under /v1. Unless --api-only is set,
the same process also runs the orchestrator, so /v1/resources reports the
live breaker and rate limit state of the worker.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Validate configuration (restart to apply)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(changedFlags(cmd, map[string]string{
			"host":    "server.host",
			"port":    "server.port",
			"workers": "workers",
		}))
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid")
		}
		if err := initServerObservability(cfg); err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
		}
		logger := observability.ServerLogger

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		p, err := newPipeline(ctx, cfg, logger, pipelineOptions{
			Engine:     true,
			Telemetry:  cfg.Metrics.Enabled,
			Anonymizer: len(cfg.Anonymizer.Salts) > 0,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Warn("Failed to close pipeline", zap.Error(err))
			}
		}()
		if p.anonymizer == nil {
			logger.Warn("No anonymizer salts configured; POST /v1/jobs accepts only precomputed subject keys")
		}

		hm := handlers.NewHealthManager(versionInfo.Version)
		registerHealthChecks(hm, p)

		srv := server.New(server.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			Version:      versionInfo.Version,
			AdminToken:   os.Getenv(config.EnvPrefix + "_ADMIN_TOKEN"),
			API: &handlers.API{
				Queue:      p.queue,
				Resources:  p.manager,
				Anonymizer: p.anonymizer,
			},
			Health:   hm,
			Pipeline: p.prom.Handler(),
			Logger:   logger,
		})

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("addr", srv.Addr()),
			zap.String("store_driver", cfg.Store.Driver),
			zap.Bool("worker", !serveAPIOnly),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		installSignals(ctx, cancel, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(gctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})
		if !serveAPIOnly {
			g.Go(func() error { return runWorker(gctx, p) })
		}
		if cfg.Metrics.Enabled {
			go trackUptime(gctx)
		}

		err = g.Wait()
		if syncErr := observability.ServerLogger.Sync(); syncErr != nil {
			logger.Debug("Logger sync returned error (may be benign)", zap.Error(syncErr))
		}
		if err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().Int("workers", 4, "concurrent resource groups per pass")
	serveCmd.Flags().BoolVar(&serveAPIOnly, "api-only", false, "serve the API without running the orchestrator")
}
