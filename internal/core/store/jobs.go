package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

const jobColumns = `id, dedup_key, priority, status, payload, requested_at, claimed_at, completed_at, attempt_count, failure_reason, claim_token, seq`

// InsertIfAbsent stores job unless a row with the same dedup key exists.
func (s *Store) InsertIfAbsent(ctx context.Context, job core.EnrichmentJob) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO enrichment_jobs (id, dedup_key, resource, priority, status, payload, requested_at, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(dedup_key) DO NOTHING
	`, job.ID, job.DedupKey, job.Resource(), int(job.Priority), string(core.JobPending), string(payload), job.RequestedAt.UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return affected == 1, nil
}

// ClaimBatch flips up to n pending rows to claimed in a single statement.
func (s *Store) ClaimBatch(ctx context.Context, n int, now time.Time, token string) ([]core.EnrichmentJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.DB.QueryContext(ctx, `
		UPDATE enrichment_jobs
		SET status = ?, claimed_at = ?, claim_token = ?
		WHERE status = ? AND seq IN (
			SELECT seq FROM enrichment_jobs
			WHERE status = ?
			ORDER BY priority, requested_at, seq
			LIMIT ?
		)
		RETURNING `+jobColumns,
		string(core.JobClaimed), now.UTC().UnixNano(), token, string(core.JobPending), string(core.JobPending), n)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	claimed, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	// RETURNING order is unspecified.
	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].less(claimed[j])
	})
	return unwrapRows(claimed), nil
}

// claimFence restricts a transition to a job still claimed under the
// caller's token. Its arguments are id, status, token, token.
const claimFence = ` WHERE id = ? AND status = ? AND (? = '' OR claim_token = ?)`

func (s *Store) MarkComplete(ctx context.Context, claim core.Claim, now time.Time) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = ?, completed_at = ?, attempt_count = attempt_count + 1, failure_reason = NULL`,
		string(core.JobCompleted), now.UTC().UnixNano())
}

func (s *Store) MarkFailed(ctx context.Context, claim core.Claim, reason string, now time.Time) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = ?, completed_at = ?, attempt_count = attempt_count + 1, failure_reason = ?`,
		string(core.JobFailed), now.UTC().UnixNano(), reason)
}

func (s *Store) MarkRetry(ctx context.Context, claim core.Claim, reason string) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = ?, claimed_at = NULL, claim_token = NULL, attempt_count = attempt_count + 1, failure_reason = ?`,
		string(core.JobPending), reason)
}

func (s *Store) Release(ctx context.Context, claim core.Claim) error {
	return s.transition(ctx, claim, `
		UPDATE enrichment_jobs
		SET status = ?, claimed_at = NULL, claim_token = NULL`,
		string(core.JobPending))
}

// RequeueStale releases claims taken before claimedBefore.
func (s *Store) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = ?, claimed_at = NULL, claim_token = NULL
		WHERE status = ? AND claimed_at < ?
	`, string(core.JobPending), string(core.JobClaimed), claimedBefore.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return result.RowsAffected()
}

// RequeueFailed resets failed jobs so they are claimed again.
func (s *Store) RequeueFailed(ctx context.Context, resource string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	query := `
		UPDATE enrichment_jobs
		SET status = ?, claimed_at = NULL, completed_at = NULL, claim_token = NULL, attempt_count = 0
		WHERE status = ?`
	args := []any{string(core.JobPending), string(core.JobFailed)}
	if resource = strings.TrimSpace(resource); resource != "" {
		query += ` AND resource = ?`
		args = append(args, resource)
	}

	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	return result.RowsAffected()
}

// JobQuery describes filters for listing jobs.
type JobQuery struct {
	Status   string
	Resource string
	Limit    int
}

func (q JobQuery) whereClause() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, q.Status)
	}
	if q.Resource != "" {
		clauses = append(clauses, "resource = ?")
		args = append(args, q.Resource)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := JobQuery{Status: string(filter.Status), Resource: filter.Resource, Limit: filter.Limit}
	where, args := query.whereClause()
	stmt := `SELECT ` + jobColumns + ` FROM enrichment_jobs` + where + ` ORDER BY priority, requested_at, seq`
	if query.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return unwrapRows(jobs), nil
}

func (s *Store) Stats(ctx context.Context) (core.JobStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM enrichment_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	stats := make(core.JobStats, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		stats[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		stats[core.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return stats, nil
}

// transition runs an UPDATE whose SET clause is stmt, fenced on claim.
func (s *Store) transition(ctx context.Context, claim core.Claim, stmt string, args ...any) error {
	if err := s.ready(); err != nil {
		return err
	}

	args = append(args, claim.ID, string(core.JobClaimed), claim.Token, claim.Token)
	result, err := s.DB.ExecContext(ctx, stmt+claimFence, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM enrichment_jobs WHERE id = ?`, claim.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *Store) ready() error {
	if s == nil || s.DB == nil {
		return core.ErrStoreNotConfigured
	}
	return nil
}

type jobRow struct {
	core.EnrichmentJob
	seq int64
}

func (r jobRow) less(other jobRow) bool {
	if r.Priority != other.Priority {
		return r.Priority < other.Priority
	}
	if !r.RequestedAt.Equal(other.RequestedAt) {
		return r.RequestedAt.Before(other.RequestedAt)
	}
	return r.seq < other.seq
}

func scanJobs(rows *sql.Rows) ([]jobRow, error) {
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var jobs []jobRow
	for rows.Next() {
		var (
			row         jobRow
			priority    int
			status      string
			payload     string
			requestedAt int64
			claimedAt   sql.NullInt64
			completedAt sql.NullInt64
			reason      sql.NullString
			token       sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.DedupKey, &priority, &status, &payload, &requestedAt,
			&claimedAt, &completedAt, &row.AttemptCount, &reason, &token, &row.seq); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &row.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for job %s: %w", row.ID, err)
		}

		row.Priority = core.Priority(priority)
		row.Status = core.JobStatus(status)
		row.RequestedAt = time.Unix(0, requestedAt).UTC()
		if claimedAt.Valid {
			value := time.Unix(0, claimedAt.Int64).UTC()
			row.ClaimedAt = &value
		}
		if completedAt.Valid {
			value := time.Unix(0, completedAt.Int64).UTC()
			row.CompletedAt = &value
		}
		if reason.Valid {
			row.FailureReason = reason.String
		}
		row.ClaimToken = token.String
		jobs = append(jobs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func unwrapRows(rows []jobRow) []core.EnrichmentJob {
	jobs := make([]core.EnrichmentJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.EnrichmentJob)
	}
	return jobs
}
