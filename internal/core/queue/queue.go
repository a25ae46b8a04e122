// Package queue implements the enrichment job queue on top of a durable
// JobStore. The store owns atomicity; this package owns the domain rules.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/anonymizer"
)

// JobStore persists jobs. Implementations must make InsertIfAbsent and
// ClaimBatch atomic across every process sharing the store.
type JobStore interface {
	// InsertIfAbsent stores job unless its dedup key exists. It reports
	// whether a row was inserted.
	InsertIfAbsent(ctx context.Context, job core.EnrichmentJob) (bool, error)
	// ClaimBatch moves up to n pending jobs to claimed, highest priority
	// first and oldest first within a priority, stamping each with token.
	ClaimBatch(ctx context.Context, n int, now time.Time, token string) ([]core.EnrichmentJob, error)

	// The transitions below apply only while the job is claimed under
	// claim.Token. A mismatch reports core.ErrInvalidTransition.

	// MarkComplete moves a claimed job to completed.
	MarkComplete(ctx context.Context, claim core.Claim, now time.Time) error
	// MarkFailed moves a claimed job to failed.
	MarkFailed(ctx context.Context, claim core.Claim, reason string, now time.Time) error
	// MarkRetry moves a claimed job back to pending after a failed attempt.
	MarkRetry(ctx context.Context, claim core.Claim, reason string) error
	// Release moves a claimed job back to pending without counting an attempt.
	Release(ctx context.Context, claim core.Claim) error
	// RequeueStale releases jobs claimed before the cutoff and drops their
	// claim tokens.
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	// RequeueFailed resets failed jobs to pending. An empty resource matches all.
	RequeueFailed(ctx context.Context, resource string) (int64, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error)
	Stats(ctx context.Context) (core.JobStats, error)
}

// Queue wraps a JobStore with enqueue/claim/complete/fail semantics.
type Queue struct {
	Store JobStore
	Sink  core.EventSink
	Clock func() time.Time
	// MaxAttempts bounds how many external calls a job may consume. Values
	// below 2 make the first failure terminal.
	MaxAttempts int
}

// New builds a Queue with default clock and a no-op sink.
func New(store JobStore, sink core.EventSink, maxAttempts int) *Queue {
	return &Queue{
		Store:       store,
		Sink:        core.SinkOrNop(sink),
		MaxAttempts: maxAttempts,
	}
}

// Enqueue stores job once per dedup key. Re-enqueueing an existing key is a
// no-op reported as core.AlreadyExists.
func (q *Queue) Enqueue(ctx context.Context, job core.EnrichmentJob) (core.EnqueueResult, error) {
	if err := q.ready(); err != nil {
		return core.Inserted, err
	}
	if err := job.Payload.Validate(); err != nil {
		return core.Inserted, err
	}
	if !job.Priority.Valid() {
		return core.Inserted, fmt.Errorf("invalid priority: %d", job.Priority)
	}

	job.Payload.Resource = strings.ToLower(strings.TrimSpace(job.Payload.Resource))
	if strings.TrimSpace(job.DedupKey) == "" {
		job.DedupKey = anonymizer.DedupKey(job.Payload.Resource, job.Payload.Period, job.Payload.SubjectKey)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = q.now()
	}
	job.Status = core.JobPending
	job.ClaimedAt = nil
	job.ClaimToken = ""
	job.CompletedAt = nil
	job.AttemptCount = 0
	job.FailureReason = ""

	inserted, err := q.Store.InsertIfAbsent(ctx, job)
	if err != nil {
		return core.Inserted, fmt.Errorf("enqueue %s: %w", job.DedupKey, err)
	}

	event := q.jobEvent(core.EventEnqueued, job)
	if !inserted {
		event.Type = core.EventDuplicate
		event.Kind = core.KindDuplicateJob
		q.sink().Emit(ctx, event)
		return core.AlreadyExists, nil
	}
	q.sink().Emit(ctx, event)
	return core.Inserted, nil
}

// Claim exclusively takes up to max pending jobs.
func (q *Queue) Claim(ctx context.Context, max int) ([]core.EnrichmentJob, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	jobs, err := q.Store.ClaimBatch(ctx, max, q.now(), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	if len(jobs) > 0 {
		q.sink().Emit(ctx, core.Event{Type: core.EventClaimed, Time: q.now(), Count: len(jobs)})
	}
	return jobs, nil
}

// Complete marks a claimed job as completed, whichever claim holds it.
// Workers settle through CompleteJob so a requeued claim is not settled
// twice.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.CompleteJob(ctx, core.EnrichmentJob{ID: id})
}

// CompleteJob is Complete for a job the caller claimed. It fails with
// core.ErrInvalidTransition once the claim has been requeued, and the
// emitted event carries the job's resource and priority.
func (q *Queue) CompleteJob(ctx context.Context, job core.EnrichmentJob) error {
	if err := q.ready(); err != nil {
		return err
	}
	if err := q.Store.MarkComplete(ctx, job.Claim(), q.now()); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	q.sink().Emit(ctx, q.jobEvent(core.EventCompleted, job))
	return nil
}

// Fail marks a claimed job as failed, regardless of attempts left.
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	return q.FailJob(ctx, core.EnrichmentJob{ID: id}, reason)
}

// FailJob is Fail for a job the caller claimed.
func (q *Queue) FailJob(ctx context.Context, job core.EnrichmentJob, reason string) error {
	if err := q.ready(); err != nil {
		return err
	}
	return q.markFailed(ctx, job, reason)
}

func (q *Queue) markFailed(ctx context.Context, job core.EnrichmentJob, reason string) error {
	if err := q.Store.MarkFailed(ctx, job.Claim(), reason, q.now()); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	event := q.jobEvent(core.EventFailed, job)
	event.Count = job.AttemptCount + 1
	event.Err = errors.New(reason)
	q.sink().Emit(ctx, event)
	return nil
}

// FailAttempt records a failed external call. The job returns to pending
// while attempts remain and is failed otherwise. It returns the resulting
// status.
func (q *Queue) FailAttempt(ctx context.Context, job core.EnrichmentJob, reason string) (core.JobStatus, error) {
	if err := q.ready(); err != nil {
		return job.Status, err
	}
	if job.AttemptCount+1 < q.MaxAttempts {
		if err := q.Store.MarkRetry(ctx, job.Claim(), reason); err != nil {
			return job.Status, fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		event := q.jobEvent(core.EventRetried, job)
		event.Count = job.AttemptCount + 1
		event.Err = errors.New(reason)
		q.sink().Emit(ctx, event)
		return core.JobPending, nil
	}

	if err := q.markFailed(ctx, job, reason); err != nil {
		return job.Status, err
	}
	return core.JobFailed, nil
}

// Release returns a claimed job to pending without consuming an attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.ReleaseJob(ctx, core.EnrichmentJob{ID: id}, nil)
}

// ReleaseJob is Release for a job the caller claimed. cause is recorded on
// the emitted event.
func (q *Queue) ReleaseJob(ctx context.Context, job core.EnrichmentJob, cause error) error {
	if err := q.ready(); err != nil {
		return err
	}
	if err := q.Store.Release(ctx, job.Claim()); err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	event := q.jobEvent(core.EventReleased, job)
	event.Kind = core.KindOf(cause)
	event.Err = cause
	q.sink().Emit(ctx, event)
	return nil
}

// RequeueStale releases claims older than lease.
func (q *Queue) RequeueStale(ctx context.Context, lease time.Duration) (int64, error) {
	if err := q.ready(); err != nil {
		return 0, err
	}
	if lease <= 0 {
		return 0, nil
	}
	count, err := q.Store.RequeueStale(ctx, q.now().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	if count > 0 {
		q.sink().Emit(ctx, core.Event{Type: core.EventRequeued, Time: q.now(), Count: int(count)})
	}
	return count, nil
}

// RequeueFailed resets failed jobs for resource (or all resources).
func (q *Queue) RequeueFailed(ctx context.Context, resource string) (int64, error) {
	if err := q.ready(); err != nil {
		return 0, err
	}
	count, err := q.Store.RequeueFailed(ctx, strings.ToLower(strings.TrimSpace(resource)))
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	if count > 0 {
		q.sink().Emit(ctx, core.Event{Type: core.EventRequeued, Time: q.now(), Resource: resource, Count: int(count)})
	}
	return count, nil
}

// List returns jobs matching filter.
func (q *Queue) List(ctx context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	filter.Resource = strings.ToLower(strings.TrimSpace(filter.Resource))
	return q.Store.ListJobs(ctx, filter)
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (core.JobStats, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	return q.Store.Stats(ctx)
}

func (q *Queue) jobEvent(eventType core.EventType, job core.EnrichmentJob) core.Event {
	return core.Event{
		Type:     eventType,
		Time:     q.now(),
		JobID:    job.ID,
		DedupKey: job.DedupKey,
		Resource: job.Resource(),
		Priority: job.Priority,
	}
}

func (q *Queue) ready() error {
	if q == nil || q.Store == nil {
		return core.ErrStoreNotConfigured
	}
	return nil
}

func (q *Queue) sink() core.EventSink {
	return core.SinkOrNop(q.Sink)
}

func (q *Queue) now() time.Time {
	if q != nil && q.Clock != nil {
		return q.Clock()
	}
	return time.Now().UTC()
}
