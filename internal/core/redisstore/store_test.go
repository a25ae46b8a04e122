package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/core/queue/queuetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test"), mr
}

func TestStoreSuite(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.JobStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestKeysUsePrefix(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	job := queuetest.Job("weather", "k", core.PriorityLow)
	job.ID = "job-1"
	job.DedupKey = "weather:2024-02:abc"
	job.RequestedAt = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	inserted, err := store.InsertIfAbsent(ctx, job)
	require.NoError(t, err)
	require.True(t, inserted)

	require.True(t, mr.Exists("test:job:job-1"))
	require.True(t, mr.Exists("test:dedup:weather:2024-02:abc"))
	require.Equal(t, "pending", mr.HGet("test:job:job-1", "status"))

	members, err := mr.ZMembers("test:queue:pending")
	require.NoError(t, err)
	require.Equal(t, []string{"00000000000000000001:job-1"}, members)
}

func TestTransitionErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.ErrorIs(t, store.MarkComplete(ctx, core.Claim{ID: "missing"}, time.Now()), core.ErrJobNotFound)

	job := queuetest.Job("weather", "k", core.PriorityHigh)
	job.ID = "job-1"
	job.DedupKey = "dedup-1"
	job.RequestedAt = time.Now()
	_, err := store.InsertIfAbsent(ctx, job)
	require.NoError(t, err)

	require.ErrorIs(t, store.Release(ctx, core.Claim{ID: "job-1"}), core.ErrInvalidTransition)
}

func TestOpenRequiresAddress(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	store, err := Open(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: "gl:"})
	require.NoError(t, err)
	require.Equal(t, "gl:", store.prefix)
	require.NoError(t, store.Close())
}
