package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridlens/gridlens/internal/core"
)

const jobColumns = `id, dedup_key, priority, status, payload, requested_at, claimed_at, completed_at, attempt_count, failure_reason, claim_token`

func (s *Store) InsertIfAbsent(ctx context.Context, job core.EnrichmentJob) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_jobs (id, dedup_key, resource, priority, status, payload, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedup_key) DO NOTHING
	`, job.ID, job.DedupKey, job.Resource(), int16(job.Priority), string(core.JobPending), payload, job.RequestedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimBatch locks up to n pending rows, skipping rows other transactions
// hold, and flips them to claimed before committing.
func (s *Store) ClaimBatch(ctx context.Context, n int, now time.Time, token string) ([]core.EnrichmentJob, error) {
	if n <= 0 {
		return nil, nil
	}

	var claimed []core.EnrichmentJob
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH next AS (
				SELECT seq FROM enrichment_jobs
				WHERE status = $1
				ORDER BY priority, requested_at, seq
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			UPDATE enrichment_jobs j
			SET status = $3, claimed_at = $4, claim_token = $5
			FROM next
			WHERE j.seq = next.seq
			RETURNING j.seq, `+prefixed("j.", jobColumns),
			string(core.JobPending), n, string(core.JobClaimed), now.UTC(), token)
		if err != nil {
			return err
		}
		claimed, err = collectOrdered(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

// Transitions bind $1 id, $2 claimed status and $3 token ahead of their
// own parameters.
const claimFence = ` WHERE id = $1 AND status = $2 AND ($3 = '' OR claim_token = $3)`

func (s *Store) MarkComplete(ctx context.Context, claim core.Claim, now time.Time) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = $4, completed_at = $5, attempt_count = attempt_count + 1, failure_reason = NULL`,
		string(core.JobCompleted), now.UTC())
}

func (s *Store) MarkFailed(ctx context.Context, claim core.Claim, reason string, now time.Time) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = $4, completed_at = $5, attempt_count = attempt_count + 1, failure_reason = $6`,
		string(core.JobFailed), now.UTC(), reason)
}

func (s *Store) MarkRetry(ctx context.Context, claim core.Claim, reason string) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = $4, claimed_at = NULL, claim_token = NULL, attempt_count = attempt_count + 1, failure_reason = $5`,
		string(core.JobPending), reason)
}

func (s *Store) Release(ctx context.Context, claim core.Claim) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = $4, claimed_at = NULL, claim_token = NULL`,
		string(core.JobPending))
}

func (s *Store) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_jobs
		SET status = $1, claimed_at = NULL, claim_token = NULL
		WHERE status = $2 AND claimed_at < $3
	`, string(core.JobPending), string(core.JobClaimed), claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RequeueFailed(ctx context.Context, resource string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_jobs
		SET status = $1, claimed_at = NULL, completed_at = NULL, claim_token = NULL, attempt_count = 0
		WHERE status = $2 AND ($3 = '' OR resource = $3)
	`, string(core.JobPending), string(core.JobFailed), strings.TrimSpace(resource))
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error) {
	var limit *int64
	if filter.Limit > 0 {
		value := int64(filter.Limit)
		limit = &value
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, `+jobColumns+`
		FROM enrichment_jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR resource = $2)
		ORDER BY priority, requested_at, seq
		LIMIT $3
	`, string(filter.Status), filter.Resource, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectOrdered(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) (core.JobStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM enrichment_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := make(core.JobStats, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		stats[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		stats[core.JobStatus(status)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return stats, nil
}

func (s *Store) transition(ctx context.Context, claim core.Claim, stmt string, args ...any) error {
	args = append([]any{claim.ID, string(core.JobClaimed), claim.Token}, args...)
	tag, err := s.pool.Exec(ctx, stmt+claimFence, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM enrichment_jobs WHERE id = $1`, claim.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	if core.JobStatus(status) == core.JobClaimed {
		return fmt.Errorf("%w: job %s was claimed again", core.ErrInvalidTransition, claim.ID)
	}
	return fmt.Errorf("%w: job %s is %s", core.ErrInvalidTransition, claim.ID, status)
}

// collectOrdered scans rows selected as seq followed by jobColumns and
// returns them in claim order.
func collectOrdered(rows pgx.Rows) ([]core.EnrichmentJob, error) {
	defer rows.Close()

	type ordered struct {
		seq int64
		job core.EnrichmentJob
	}
	var out []ordered
	for rows.Next() {
		var (
			row      ordered
			priority int16
			status   string
			payload  []byte
			reason   *string
			token    *string
		)
		if err := rows.Scan(&row.seq, &row.job.ID, &row.job.DedupKey, &priority, &status, &payload,
			&row.job.RequestedAt, &row.job.ClaimedAt, &row.job.CompletedAt, &row.job.AttemptCount, &reason, &token); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &row.job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for job %s: %w", row.job.ID, err)
		}
		row.job.Priority = core.Priority(priority)
		row.job.Status = core.JobStatus(status)
		row.job.RequestedAt = row.job.RequestedAt.UTC()
		if row.job.ClaimedAt != nil {
			at := row.job.ClaimedAt.UTC()
			row.job.ClaimedAt = &at
		}
		if row.job.CompletedAt != nil {
			at := row.job.CompletedAt.UTC()
			row.job.CompletedAt = &at
		}
		if reason != nil {
			row.job.FailureReason = *reason
		}
		if token != nil {
			row.job.ClaimToken = *token
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.job.Priority != b.job.Priority {
			return a.job.Priority < b.job.Priority
		}
		if !a.job.RequestedAt.Equal(b.job.RequestedAt) {
			return a.job.RequestedAt.Before(b.job.RequestedAt)
		}
		return a.seq < b.seq
	})

	jobs := make([]core.EnrichmentJob, 0, len(out))
	for _, row := range out {
		jobs = append(jobs, row.job)
	}
	return jobs, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
