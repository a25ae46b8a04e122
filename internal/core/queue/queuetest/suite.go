// Package queuetest holds the behavioural suite every queue.JobStore
// implementation must pass.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) queue.JobStore

// Clock is a manually advanced clock for deterministic ordering.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Job builds a valid job for resource with a distinct subject.
func Job(resource, subject string, priority core.Priority) core.EnrichmentJob {
	return core.EnrichmentJob{
		Priority: priority,
		Payload: core.Payload{
			Resource:   resource,
			Endpoint:   "/v1/lookup",
			Params:     map[string]string{"subject": subject},
			SubjectKey: subject,
			Period:     "2024-02",
		},
	}
}

// Run executes the suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("EnqueueIsIdempotent", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		first, err := q.Enqueue(ctx, Job("weather", "k1", core.PriorityHigh))
		require.NoError(t, err)
		require.Equal(t, core.Inserted, first)

		second, err := q.Enqueue(ctx, Job("weather", "k1", core.PriorityLow))
		require.NoError(t, err)
		require.Equal(t, core.AlreadyExists, second)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Total())
	})

	t.Run("ConcurrentEnqueueStoresOneJob", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		const n = 16
		results := make([]core.EnqueueResult, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = q.Enqueue(ctx, Job("weather", "same-subject", core.PriorityMedium))
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		inserted := 0
		for _, result := range results {
			if result == core.Inserted {
				inserted++
			}
		}
		require.Equal(t, 1, inserted)

		jobs, err := q.List(ctx, core.JobFilter{})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	})

	t.Run("ConcurrentClaimIsExclusive", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		const jobs = 12
		for i := 0; i < jobs; i++ {
			_, err := q.Enqueue(ctx, Job("market_prices", fmt.Sprintf("k%02d", i), core.PriorityMedium))
			require.NoError(t, err)
		}

		var (
			mu    sync.Mutex
			ids   []string
			fails []error
			wg    sync.WaitGroup
		)
		for w := 0; w < jobs+4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := q.Claim(ctx, 1)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					fails = append(fails, err)
					return
				}
				if len(claimed) > 1 {
					fails = append(fails, fmt.Errorf("claim(1) returned %d jobs", len(claimed)))
				}
				for _, job := range claimed {
					ids = append(ids, job.ID)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, fails)

		require.Len(t, ids, jobs)
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			require.False(t, seen[id], "job %s claimed twice", id)
			seen[id] = true
		}
	})

	t.Run("ClaimOrdersByPriorityThenAge", func(t *testing.T) {
		q, clock := newQueue(t, factory)
		ctx := context.Background()

		for i, priority := range []core.Priority{core.PriorityLow, core.PriorityHigh, core.PriorityMedium} {
			_, err := q.Enqueue(ctx, Job("cadastre", fmt.Sprintf("p%d", i), priority))
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		claimed, err := q.Claim(ctx, 3)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		require.Equal(t, core.PriorityHigh, claimed[0].Priority)
		require.Equal(t, core.PriorityMedium, claimed[1].Priority)
		require.Equal(t, core.PriorityLow, claimed[2].Priority)
		for _, job := range claimed {
			require.Equal(t, core.JobClaimed, job.Status)
			require.NotNil(t, job.ClaimedAt)
		}

		_, err = q.Enqueue(ctx, Job("cadastre", "late", core.PriorityHigh))
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = q.Enqueue(ctx, Job("cadastre", "later", core.PriorityHigh))
		require.NoError(t, err)

		next, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, next, 1)
		require.Equal(t, "late", next[0].Payload.SubjectKey)
	})

	t.Run("ClaimReturnsFewerWhenDrained", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		claimed, err := q.Claim(ctx, 5)
		require.NoError(t, err)
		require.Empty(t, claimed)

		_, err = q.Enqueue(ctx, Job("weather", "only", core.PriorityLow))
		require.NoError(t, err)

		claimed, err = q.Claim(ctx, 5)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, map[string]string{"subject": "only"}, claimed[0].Payload.Params)
	})

	t.Run("CompleteAndFail", func(t *testing.T) {
		q, clock := newQueue(t, factory)
		ctx := context.Background()

		_, err := q.Enqueue(ctx, Job("weather", "a", core.PriorityHigh))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, Job("weather", "b", core.PriorityLow))
		require.NoError(t, err)

		claimed, err := q.Claim(ctx, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		clock.Advance(time.Minute)
		require.NoError(t, q.Complete(ctx, claimed[0].ID))
		require.NoError(t, q.Fail(ctx, claimed[1].ID, "upstream returned 500"))

		completed, err := q.List(ctx, core.JobFilter{Status: core.JobCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		require.NotNil(t, completed[0].CompletedAt)
		require.True(t, completed[0].CompletedAt.Equal(clock.Now()))
		require.Equal(t, 1, completed[0].AttemptCount)

		failed, err := q.List(ctx, core.JobFilter{Status: core.JobFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, "upstream returned 500", failed[0].FailureReason)

		// Terminal jobs cannot move again.
		require.Error(t, q.Complete(ctx, claimed[1].ID))
		require.Error(t, q.Fail(ctx, claimed[0].ID, "again"))
		require.Error(t, q.Complete(ctx, "missing-id"))
	})

	t.Run("PendingJobsCannotComplete", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		_, err := q.Enqueue(ctx, Job("weather", "pending", core.PriorityHigh))
		require.NoError(t, err)
		jobs, err := q.List(ctx, core.JobFilter{})
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		require.Error(t, q.Complete(ctx, jobs[0].ID))
	})

	t.Run("FailAttemptRetriesUntilExhausted", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		q.MaxAttempts = 2
		ctx := context.Background()

		_, err := q.Enqueue(ctx, Job("weather", "flaky", core.PriorityHigh))
		require.NoError(t, err)

		claimed, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		status, err := q.FailAttempt(ctx, claimed[0], "timeout")
		require.NoError(t, err)
		require.Equal(t, core.JobPending, status)

		claimed, err = q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, 1, claimed[0].AttemptCount)
		require.Equal(t, "timeout", claimed[0].FailureReason)

		status, err = q.FailAttempt(ctx, claimed[0], "timeout again")
		require.NoError(t, err)
		require.Equal(t, core.JobFailed, status)

		failed, err := q.List(ctx, core.JobFilter{Status: core.JobFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, 2, failed[0].AttemptCount)
	})

	t.Run("ReleaseDoesNotCountAttempt", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		_, err := q.Enqueue(ctx, Job("weather", "gated", core.PriorityHigh))
		require.NoError(t, err)
		claimed, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, q.Release(ctx, claimed[0].ID))

		again, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, claimed[0].ID, again[0].ID)
		require.Equal(t, 0, again[0].AttemptCount)
	})

	t.Run("RequeueStaleClaims", func(t *testing.T) {
		q, clock := newQueue(t, factory)
		ctx := context.Background()

		_, err := q.Enqueue(ctx, Job("weather", "old", core.PriorityHigh))
		require.NoError(t, err)
		_, err = q.Claim(ctx, 1)
		require.NoError(t, err)

		clock.Advance(20 * time.Minute)
		_, err = q.Enqueue(ctx, Job("weather", "fresh", core.PriorityHigh))
		require.NoError(t, err)
		_, err = q.Claim(ctx, 1)
		require.NoError(t, err)

		count, err := q.RequeueStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats[core.JobPending])
		require.Equal(t, 1, stats[core.JobClaimed])
	})

	t.Run("RequeuedClaimCannotBeSettledByPreviousOwner", func(t *testing.T) {
		q, clock := newQueue(t, factory)
		q.MaxAttempts = 3
		ctx := context.Background()

		_, err := q.Enqueue(ctx, Job("weather", "slow", core.PriorityHigh))
		require.NoError(t, err)
		stale, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.NotEmpty(t, stale[0].ClaimToken)

		clock.Advance(11 * time.Minute)
		count, err := q.RequeueStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)

		owned, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, owned, 1)
		require.Equal(t, stale[0].ID, owned[0].ID)
		require.NotEqual(t, stale[0].ClaimToken, owned[0].ClaimToken)

		require.ErrorIs(t, q.CompleteJob(ctx, stale[0]), core.ErrInvalidTransition)
		require.ErrorIs(t, q.FailJob(ctx, stale[0], "late"), core.ErrInvalidTransition)
		require.ErrorIs(t, q.ReleaseJob(ctx, stale[0], nil), core.ErrInvalidTransition)
		_, err = q.FailAttempt(ctx, stale[0], "late")
		require.ErrorIs(t, err, core.ErrInvalidTransition)

		claimed, err := q.List(ctx, core.JobFilter{Status: core.JobClaimed})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, 0, claimed[0].AttemptCount)

		require.NoError(t, q.CompleteJob(ctx, owned[0]))
		completed, err := q.List(ctx, core.JobFilter{Status: core.JobCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		require.Equal(t, 1, completed[0].AttemptCount)
	})

	t.Run("RequeueFailedByResource", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		for _, resource := range []string{"weather", "cadastre"} {
			_, err := q.Enqueue(ctx, Job(resource, "x", core.PriorityMedium))
			require.NoError(t, err)
		}
		claimed, err := q.Claim(ctx, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		for _, job := range claimed {
			require.NoError(t, q.Fail(ctx, job.ID, "boom"))
		}

		count, err := q.RequeueFailed(ctx, "Weather")
		require.NoError(t, err)
		require.Equal(t, int64(1), count)

		pending, err := q.List(ctx, core.JobFilter{Status: core.JobPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "weather", pending[0].Resource())
		require.Equal(t, 0, pending[0].AttemptCount)

		count, err = q.RequeueFailed(ctx, "")
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})

	t.Run("ListFiltersAndStats", func(t *testing.T) {
		q, _ := newQueue(t, factory)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := q.Enqueue(ctx, Job("weather", fmt.Sprintf("w%d", i), core.PriorityLow))
			require.NoError(t, err)
		}
		_, err := q.Enqueue(ctx, Job("cadastre", "c0", core.PriorityHigh))
		require.NoError(t, err)

		_, err = q.Claim(ctx, 1)
		require.NoError(t, err)

		weather, err := q.List(ctx, core.JobFilter{Resource: "weather"})
		require.NoError(t, err)
		require.Len(t, weather, 3)

		limited, err := q.List(ctx, core.JobFilter{Resource: "weather", Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, stats[core.JobPending])
		require.Equal(t, 1, stats[core.JobClaimed])
		require.Equal(t, 0, stats[core.JobCompleted])
		require.Equal(t, 4, stats.Total())
	})
}

func newQueue(t *testing.T, factory Factory) (*queue.Queue, *Clock) {
	t.Helper()
	clock := NewClock()
	q := queue.New(factory(t), nil, 1)
	q.Clock = clock.Now
	return q, clock
}
