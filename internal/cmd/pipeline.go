package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/anonymizer"
	"github.com/gridlens/gridlens/internal/core/caller"
	"github.com/gridlens/gridlens/internal/core/engine"
	"github.com/gridlens/gridlens/internal/core/pgstore"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/core/redisstore"
	"github.com/gridlens/gridlens/internal/core/store"
	"github.com/gridlens/gridlens/internal/metrics"
	"github.com/gridlens/gridlens/internal/observability"
)

// pipeline bundles the queue, store and engine built from one config.
type pipeline struct {
	cfg     *config.Config
	logger  observability.Logger
	store   queue.JobStore
	queue   *queue.Queue
	manager *engine.APIManager

	prom       *observability.PrometheusSink
	events     *observability.AMQPConnection
	anonymizer *anonymizer.Anonymizer

	closers []func() error
}

type pipelineOptions struct {
	// Engine builds the APIManager and event sinks used by workers.
	Engine bool
	// Telemetry forwards events to the gofulmen telemetry system.
	Telemetry bool
	// Anonymizer requires the configured salts.
	Anonymizer bool
}

func newPipeline(ctx context.Context, cfg *config.Config, logger observability.Logger, opts pipelineOptions) (*pipeline, error) {
	p := &pipeline{cfg: cfg, logger: observability.LoggerOrNop(logger)}

	jobStore, closeStore, err := openJobStore(ctx, cfg.Store, p.logger)
	if err != nil {
		return nil, err
	}
	p.store = jobStore
	p.closers = append(p.closers, closeStore)

	sinks := []core.EventSink{observability.NewLogSink(p.logger)}
	if opts.Telemetry {
		sinks = append(sinks, metrics.TelemetrySink{})
	}
	if opts.Engine {
		prom, err := observability.NewPrometheusSink(cfg.Metrics.Namespace)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("pipeline metrics: %w", err)
		}
		p.prom = prom
		sinks = append(sinks, prom)

		if url := strings.TrimSpace(cfg.Events.AMQPURL); url != "" {
			conn, err := observability.DialAMQP(url, cfg.Events.Exchange)
			if err != nil {
				_ = p.Close()
				return nil, err
			}
			p.events = conn
			p.closers = append(p.closers, conn.Close)
			sinks = append(sinks, &observability.AMQPSink{
				Publisher: conn.Channel(),
				Exchange:  cfg.Events.Exchange,
				Prefix:    cfg.Events.RoutingPrefix,
				Timeout:   cfg.Events.Timeout,
				Logger:    p.logger,
			})
			p.logger.Info("Publishing pipeline events",
				zap.String("exchange", cfg.Events.Exchange),
				zap.String("routing_prefix", cfg.Events.RoutingPrefix))
		}
	}
	sink := observability.NewFanoutSink(sinks...)

	p.queue = queue.New(p.store, sink, cfg.Queue.MaxAttempts)

	if opts.Engine {
		p.manager = engine.NewAPIManager(cfg.ResourceLimits(), sink, nil)
		for _, name := range cfg.ResourceNames() {
			if cfg.Resources[name].Disabled {
				_ = p.manager.Disable(name)
			}
		}
		for _, status := range p.manager.Statuses() {
			p.prom.SetStatus(status.Name, status.Status)
		}
	}

	if opts.Anonymizer {
		anon, err := newAnonymizer(cfg.Anonymizer)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.anonymizer = anon
	}

	return p, nil
}

func newAnonymizer(cfg config.AnonymizerConfig) (*anonymizer.Anonymizer, error) {
	anon, err := anonymizer.New(cfg.Salts)
	if err != nil {
		return nil, err
	}
	if err := anon.Require(cfg.Required...); err != nil {
		return nil, err
	}
	return anon, nil
}

// orchestrator wires the HTTP caller to the queue and manager.
func (p *pipeline) orchestrator() *engine.Orchestrator {
	baseURLs := make(map[string]string, len(p.cfg.Resources))
	for name, resource := range p.cfg.Resources {
		baseURLs[name] = resource.BaseURL
	}
	return &engine.Orchestrator{
		Queue:        p.queue,
		Manager:      p.manager,
		Caller:       caller.New(baseURLs, config.AppName+"/"+versionInfo.Version),
		BatchSize:    p.cfg.Queue.BatchSize,
		Workers:      p.cfg.Workers,
		PollInterval: p.cfg.Queue.PollInterval,
		Logger:       p.logger,
	}
}

func (p *pipeline) maintenance() (*engine.Maintenance, error) {
	return engine.NewMaintenance(p.queue, p.cfg.Queue.ClaimLease, p.cfg.Queue.MaintenanceSchedule, p.logger)
}

// Close releases resources in reverse order of acquisition.
func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return stderrors.Join(errs...)
}

// openJobStore opens and migrates the configured durable store.
func openJobStore(ctx context.Context, cfg config.StoreConfig, logger observability.Logger) (queue.JobStore, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "libsql":
		db, err := store.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil

	case "postgres":
		pgCfg := pgstore.DefaultConfig()
		pgCfg.DSN = cfg.PostgresDSN
		db, err := pgstore.Open(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil

	case "redis":
		db, err := redisstore.Open(ctx, redisstore.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil

	case "memory":
		logger.Warn("Using in-memory job store; jobs are lost on exit and not shared between processes")
		return queue.NewMemoryStore(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
