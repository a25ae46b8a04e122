package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/metrics"
	"github.com/gridlens/gridlens/internal/observability"
)

// DefaultMaintenanceSchedule runs queue housekeeping once a minute.
const DefaultMaintenanceSchedule = "@every 1m"

// Maintenance periodically returns stale claims to pending and logs queue
// depth. Stale claims are left behind by workers that died mid-pass.
type Maintenance struct {
	Queue  *queue.Queue
	Lease  time.Duration
	Logger observability.Logger

	schedule string
	cron     *cron.Cron
}

// NewMaintenance validates schedule (standard cron or @every descriptors).
func NewMaintenance(q *queue.Queue, lease time.Duration, schedule string, logger observability.Logger) (*Maintenance, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return &Maintenance{
		Queue:    q,
		Lease:    lease,
		Logger:   logger,
		schedule: schedule,
	}, nil
}

// Start schedules RunOnce. Runs never overlap; a run still in progress when
// the next one is due is skipped.
func (m *Maintenance) Start(ctx context.Context) error {
	if m.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(m.schedule, func() {
		if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger().Warn("Queue maintenance failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger().Debug("Queue maintenance scheduled",
		zap.String("schedule", m.schedule),
		zap.Duration("claim_lease", m.Lease))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// RunOnce requeues stale claims, then logs and publishes per-status counts.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	requeued, err := m.Queue.RequeueStale(ctx, m.Lease)
	if err != nil {
		return err
	}
	if requeued > 0 {
		m.logger().Warn("Requeued stale claims",
			zap.Int64("count", requeued),
			zap.Duration("claim_lease", m.Lease))
	}

	stats, err := m.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	metrics.SetQueueDepth(stats)
	m.logger().Info("Queue depth",
		zap.Int("pending", stats[core.JobPending]),
		zap.Int("claimed", stats[core.JobClaimed]),
		zap.Int("completed", stats[core.JobCompleted]),
		zap.Int("failed", stats[core.JobFailed]))
	return nil
}

func (m *Maintenance) logger() observability.Logger {
	return observability.LoggerOrNop(m.Logger)
}
