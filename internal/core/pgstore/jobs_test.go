package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/core/queue/queuetest"
)

// openTestStore connects to GRIDLENS_TEST_POSTGRES_DSN and empties the jobs
// table. Tests skip when no database is available.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dsn := os.Getenv("GRIDLENS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GRIDLENS_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, Config{DSN: dsn})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	_, err = store.pool.Exec(ctx, `TRUNCATE enrichment_jobs`)
	require.NoError(t, err)
	return store
}

func TestStoreSuite(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.JobStore {
		return openTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestTransitionErrors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.ErrorIs(t, store.MarkFailed(ctx, core.Claim{ID: "missing"}, "x", time.Now()), core.ErrJobNotFound)

	job := queuetest.Job("weather", "k", core.PriorityHigh)
	job.ID = "job-1"
	job.DedupKey = "dedup-1"
	job.RequestedAt = time.Now()
	inserted, err := store.InsertIfAbsent(ctx, job)
	require.NoError(t, err)
	require.True(t, inserted)

	require.ErrorIs(t, store.MarkRetry(ctx, core.Claim{ID: "job-1"}, "x"), core.ErrInvalidTransition)
}

func TestPendingMigrationsAreOrdered(t *testing.T) {
	pending, err := pendingMigrations(map[int]bool{})
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	require.Equal(t, 1, pending[0].version)
	require.Equal(t, "001_create_enrichment_jobs", pending[0].name)

	pending, err = pendingMigrations(map[int]bool{1: true})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
