package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/core/queue/queuetest"
)

func TestNewMaintenanceValidatesSchedule(t *testing.T) {
	q := queue.New(queue.NewMemoryStore(), nil, 1)

	_, err := NewMaintenance(q, time.Minute, "every minute please", nil)
	require.Error(t, err)

	m, err := NewMaintenance(q, time.Minute, "", nil)
	require.NoError(t, err)
	require.Equal(t, DefaultMaintenanceSchedule, m.schedule)

	_, err = NewMaintenance(q, time.Minute, "*/5 * * * *", nil)
	require.NoError(t, err)
}

func TestMaintenanceRequeuesStaleClaims(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock()
	q := queue.New(queue.NewMemoryStore(), nil, 1)
	q.Clock = clock.Now

	for _, subject := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, queuetest.Job("weather", subject, core.PriorityHigh))
		require.NoError(t, err)
	}
	_, err := q.Claim(ctx, 2)
	require.NoError(t, err)

	observed, logs := observer.New(zap.InfoLevel)
	m, err := NewMaintenance(q, 10*time.Minute, "", zap.New(observed))
	require.NoError(t, err)

	require.NoError(t, m.RunOnce(ctx))
	require.Equal(t, 0, logs.FilterMessage("Requeued stale claims").Len())

	clock.Advance(11 * time.Minute)
	require.NoError(t, m.RunOnce(ctx))
	requeued := logs.FilterMessage("Requeued stale claims").All()
	require.Len(t, requeued, 1)
	require.Equal(t, int64(2), requeued[0].ContextMap()["count"])

	depth := logs.FilterMessage("Queue depth").All()
	require.Len(t, depth, 2)
	require.Equal(t, int64(2), depth[1].ContextMap()["pending"])
}

func TestMaintenanceStartStop(t *testing.T) {
	q := queue.New(queue.NewMemoryStore(), nil, 1)
	m, err := NewMaintenance(q, time.Minute, "@every 1h", nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()
}
