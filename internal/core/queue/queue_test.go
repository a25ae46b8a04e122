package queue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/core/queue/queuetest"
)

func TestMemoryStore(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.JobStore {
		return queue.NewMemoryStore()
	})
}

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingSink) Emit(_ context.Context, event core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func TestEnqueueValidatesAndDerivesDedupKey(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.NewMemoryStore(), nil, 1)

	_, err := q.Enqueue(ctx, core.EnrichmentJob{Payload: core.Payload{Resource: "weather"}})
	require.Error(t, err)

	bad := queuetest.Job("weather", "k", core.Priority(7))
	_, err = q.Enqueue(ctx, bad)
	require.Error(t, err)

	job := queuetest.Job(" Weather ", "k", core.PriorityHigh)
	result, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	require.Equal(t, core.Inserted, result)

	jobs, err := q.List(ctx, core.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "weather", jobs[0].Resource())
	require.NotEmpty(t, jobs[0].ID)
	require.Contains(t, jobs[0].DedupKey, "weather:2024-02:")
	require.Equal(t, core.JobPending, jobs[0].Status)
}

func TestExplicitDedupKeyWins(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.NewMemoryStore(), nil, 1)

	first := queuetest.Job("weather", "a", core.PriorityHigh)
	first.DedupKey = "custom"
	second := queuetest.Job("cadastre", "b", core.PriorityLow)
	second.DedupKey = "custom"

	result, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	require.Equal(t, core.Inserted, result)

	result, err = q.Enqueue(ctx, second)
	require.NoError(t, err)
	require.Equal(t, core.AlreadyExists, result)
}

func TestQueueEmitsEvents(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	q := queue.New(queue.NewMemoryStore(), sink, 1)

	_, err := q.Enqueue(ctx, queuetest.Job("weather", "k", core.PriorityHigh))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuetest.Job("weather", "k", core.PriorityHigh))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	status, err := q.FailAttempt(ctx, claimed[0], "boom")
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, status)

	require.Equal(t, []core.EventType{
		core.EventEnqueued,
		core.EventDuplicate,
		core.EventClaimed,
		core.EventFailed,
	}, sink.types())
	require.Equal(t, "weather", sink.events[3].Resource)
}

func TestQueueWithoutStore(t *testing.T) {
	ctx := context.Background()
	var q *queue.Queue

	_, err := q.Claim(ctx, 1)
	require.ErrorIs(t, err, core.ErrStoreNotConfigured)

	_, err = (&queue.Queue{}).Enqueue(ctx, queuetest.Job("weather", "k", core.PriorityHigh))
	require.ErrorIs(t, err, core.ErrStoreNotConfigured)
}

func TestClaimZeroIsNoop(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.NewMemoryStore(), nil, 1)

	_, err := q.Enqueue(ctx, queuetest.Job("weather", "k", core.PriorityHigh))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, claimed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[core.JobPending])
}

func TestMemoryStoreTransitionErrors(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()

	require.ErrorIs(t, store.Release(ctx, core.Claim{ID: "missing"}), core.ErrJobNotFound)

	job := queuetest.Job("weather", "k", core.PriorityHigh)
	job.ID = "job-1"
	job.DedupKey = "dedup-1"
	job.Status = core.JobPending
	inserted, err := store.InsertIfAbsent(ctx, job)
	require.NoError(t, err)
	require.True(t, inserted)

	require.ErrorIs(t, store.Release(ctx, core.Claim{ID: "job-1"}), core.ErrInvalidTransition)
}
