package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

// MemoryStore is an in-process JobStore. It is safe for concurrent use but
// shares nothing across processes.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	jobs  map[string]*memoryRow
	dedup map[string]string
}

type memoryRow struct {
	seq int64
	job core.EnrichmentJob
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*memoryRow),
		dedup: make(map[string]string),
	}
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, job core.EnrichmentJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dedup[job.DedupKey]; ok {
		return false, nil
	}
	m.seq++
	m.jobs[job.ID] = &memoryRow{seq: m.seq, job: cloneJob(job)}
	m.dedup[job.DedupKey] = job.ID
	return true, nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, n int, now time.Time, token string) ([]core.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]*memoryRow, 0)
	for _, row := range m.jobs {
		if row.job.Status == core.JobPending {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return claimLess(pending[i], pending[j])
	})
	if len(pending) > n {
		pending = pending[:n]
	}

	claimed := make([]core.EnrichmentJob, 0, len(pending))
	for _, row := range pending {
		at := now
		row.job.Status = core.JobClaimed
		row.job.ClaimedAt = &at
		row.job.ClaimToken = token
		claimed = append(claimed, cloneJob(row.job))
	}
	return claimed, nil
}

func (m *MemoryStore) MarkComplete(_ context.Context, claim core.Claim, now time.Time) error {
	return m.transition(claim, func(job *core.EnrichmentJob) {
		at := now
		job.Status = core.JobCompleted
		job.CompletedAt = &at
		job.AttemptCount++
		job.FailureReason = ""
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, claim core.Claim, reason string, now time.Time) error {
	return m.transition(claim, func(job *core.EnrichmentJob) {
		at := now
		job.Status = core.JobFailed
		job.CompletedAt = &at
		job.AttemptCount++
		job.FailureReason = reason
	})
}

func (m *MemoryStore) MarkRetry(_ context.Context, claim core.Claim, reason string) error {
	return m.transition(claim, func(job *core.EnrichmentJob) {
		job.Status = core.JobPending
		job.ClaimedAt = nil
		job.ClaimToken = ""
		job.AttemptCount++
		job.FailureReason = reason
	})
}

func (m *MemoryStore) Release(_ context.Context, claim core.Claim) error {
	return m.transition(claim, func(job *core.EnrichmentJob) {
		job.Status = core.JobPending
		job.ClaimedAt = nil
		job.ClaimToken = ""
	})
}

func (m *MemoryStore) RequeueStale(_ context.Context, claimedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, row := range m.jobs {
		job := &row.job
		if job.Status != core.JobClaimed || job.ClaimedAt == nil || !job.ClaimedAt.Before(claimedBefore) {
			continue
		}
		job.Status = core.JobPending
		job.ClaimedAt = nil
		job.ClaimToken = ""
		count++
	}
	return count, nil
}

func (m *MemoryStore) RequeueFailed(_ context.Context, resource string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, row := range m.jobs {
		job := &row.job
		if job.Status != core.JobFailed {
			continue
		}
		if resource != "" && job.Resource() != resource {
			continue
		}
		job.Status = core.JobPending
		job.ClaimedAt = nil
		job.CompletedAt = nil
		job.ClaimToken = ""
		job.AttemptCount = 0
		count++
	}
	return count, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]*memoryRow, 0, len(m.jobs))
	for _, row := range m.jobs {
		if filter.Status != "" && row.job.Status != filter.Status {
			continue
		}
		if filter.Resource != "" && row.job.Resource() != filter.Resource {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return claimLess(rows[i], rows[j])
	})
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	jobs := make([]core.EnrichmentJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, cloneJob(row.job))
	}
	return jobs, nil
}

func (m *MemoryStore) Stats(_ context.Context) (core.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(core.JobStats, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		stats[status] = 0
	}
	for _, row := range m.jobs {
		stats[row.job.Status]++
	}
	return stats, nil
}

// transition applies fn to a job still held by claim.
func (m *MemoryStore) transition(claim core.Claim, fn func(job *core.EnrichmentJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.jobs[claim.ID]
	if !ok {
		return core.ErrJobNotFound
	}
	if row.job.Status != core.JobClaimed {
		return fmt.Errorf("%w: job %s is %s", core.ErrInvalidTransition, claim.ID, row.job.Status)
	}
	if !claim.Matches(row.job.ClaimToken) {
		return fmt.Errorf("%w: job %s was claimed again", core.ErrInvalidTransition, claim.ID)
	}
	fn(&row.job)
	return nil
}

func claimLess(a, b *memoryRow) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.RequestedAt.Equal(b.job.RequestedAt) {
		return a.job.RequestedAt.Before(b.job.RequestedAt)
	}
	return a.seq < b.seq
}

func cloneJob(job core.EnrichmentJob) core.EnrichmentJob {
	if job.Payload.Params != nil {
		params := make(map[string]string, len(job.Payload.Params))
		for k, v := range job.Payload.Params {
			params[k] = v
		}
		job.Payload.Params = params
	}
	if job.ClaimedAt != nil {
		at := *job.ClaimedAt
		job.ClaimedAt = &at
	}
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		job.CompletedAt = &at
	}
	return job
}
