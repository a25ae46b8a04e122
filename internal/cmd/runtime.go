package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/metrics"
	"github.com/gridlens/gridlens/internal/observability"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

// scalingWarning is logged by every worker process. Limiter windows and
// breaker state are per process, so N workers multiply the effective quota.
const scalingWarning = "Rate limits and circuit breakers are tracked per process; running several workers multiplies the effective call budget per resource"

// initServerObservability switches to the structured logger and, when
// enabled, starts the gofulmen telemetry exporter.
func initServerObservability(cfg *config.Config) error {
	observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Metrics.Namespace)

	if !cfg.Metrics.Enabled {
		return nil
	}
	if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, cfg.Metrics.Namespace); err != nil {
		return fmt.Errorf("metrics initialization failed: %w", err)
	}
	metrics.SetServerStartTime(time.Now().Unix())
	return nil
}

// runWorker runs maintenance and the orchestrator until ctx ends.
func runWorker(ctx context.Context, p *pipeline) error {
	maint, err := p.maintenance()
	if err != nil {
		return err
	}
	if err := maint.Start(ctx); err != nil {
		return err
	}
	defer maint.Stop()

	if err := maint.RunOnce(ctx); err != nil {
		p.logger.Warn("Initial queue maintenance failed", zap.Error(err))
	}

	p.logger.Warn(scalingWarning, zap.Int("workers", p.cfg.Workers))
	p.logger.Info("Worker started",
		zap.Strings("resources", p.cfg.ResourceNames()),
		zap.Int("batch_size", p.cfg.Queue.BatchSize),
		zap.Duration("poll_interval", p.cfg.Queue.PollInterval))

	return p.orchestrator().Run(ctx)
}

// trackUptime refreshes the uptime gauge until ctx ends.
func trackUptime(ctx context.Context) {
	started := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.SetServerUptime(int64(time.Since(started).Seconds()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// installSignals cancels the run on SIGINT/SIGTERM and reloads log-level
// relevant config on SIGHUP.
func installSignals(ctx context.Context, cancel context.CancelFunc, logger observability.Logger) {
	signals.OnShutdown(func(context.Context) error {
		logger.Info("Shutdown requested")
		cancel()
		return nil
	})

	signals.OnReload(func(context.Context) error {
		logger.Info("Received SIGHUP: validating configuration")
		if _, err := loadConfig(nil); err != nil {
			logger.Error("Config reload failed; keeping current configuration", zap.Error(err))
			return err
		}
		logger.Info("Configuration is valid; restart to apply changes to limits and store")
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	go func() {
		if err := signals.Listen(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Signal handler error", zap.Error(err))
		}
	}()
}

// registerHealthChecks wires pipeline dependencies into the health endpoints.
func registerHealthChecks(hm *handlers.HealthManager, p *pipeline) {
	hm.RegisterChecker("store", handlers.HealthCheckFunc(func(ctx context.Context) error {
		_, err := p.queue.Stats(ctx)
		return err
	}))
	hm.RegisterChecker("telemetry", handlers.HealthCheckFunc(func(context.Context) error {
		if !p.cfg.Metrics.Enabled {
			return nil
		}
		if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
			return errors.New("telemetry system not initialized")
		}
		return nil
	}))
	if p.manager != nil {
		hm.RegisterChecker("resources", handlers.HealthCheckFunc(func(context.Context) error {
			var open []string
			for _, status := range p.manager.Statuses() {
				if status.Status == core.APIError {
					open = append(open, status.Name)
				}
			}
			if len(open) > 0 {
				return &handlers.DegradedError{Reason: fmt.Sprintf("circuit open: %v", open)}
			}
			return nil
		}))
	}
}

// servePipelineMetrics exposes the client_golang registry on addr until ctx ends.
func servePipelineMetrics(ctx context.Context, addr string, handler http.Handler, logger observability.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving pipeline metrics", zap.String("addr", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
