// Package redisstore implements the job store on Redis. Every state change
// runs as a Lua script so it is atomic for all clients of the same server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridlens/gridlens/internal/core"
)

// priorityStride separates priority tiers in the pending zset score. It is
// larger than any unix-millisecond timestamp this code will see.
const priorityStride = 1e13

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store keeps jobs in Redis hashes indexed by sorted sets.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "gridlens"
	}
	return &Store{client: client, prefix: prefix + ":"}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) jobPrefix() string                  { return s.prefix + "job:" }
func (s *Store) jobKey(id string) string            { return s.jobPrefix() + id }
func (s *Store) dedupKey(key string) string         { return s.prefix + "dedup:" + key }
func (s *Store) seqKey() string                     { return s.prefix + "seq" }
func (s *Store) pendingQueue() string               { return s.prefix + "queue:pending" }
func (s *Store) claimedQueue() string               { return s.prefix + "queue:claimed" }
func (s *Store) statusSet(st core.JobStatus) string { return s.prefix + "status:" + string(st) }

func (s *Store) InsertIfAbsent(ctx context.Context, job core.EnrichmentJob) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	score := float64(job.Priority)*priorityStride + float64(job.RequestedAt.UnixMilli())
	keys := []string{
		s.dedupKey(job.DedupKey),
		s.seqKey(),
		s.pendingQueue(),
		s.statusSet(core.JobPending),
	}
	args := []any{
		job.ID,
		s.jobPrefix(),
		strconv.FormatFloat(score, 'f', -1, 64),
		"id", job.ID,
		"dedup_key", job.DedupKey,
		"resource", job.Resource(),
		"priority", strconv.Itoa(int(job.Priority)),
		"payload", string(payload),
		"requested_at", strconv.FormatInt(job.RequestedAt.UnixNano(), 10),
	}

	inserted, err := insertScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return inserted == 1, nil
}

func (s *Store) ClaimBatch(ctx context.Context, n int, now time.Time, token string) ([]core.EnrichmentJob, error) {
	if n <= 0 {
		return nil, nil
	}

	keys := []string{
		s.pendingQueue(),
		s.claimedQueue(),
		s.statusSet(core.JobPending),
		s.statusSet(core.JobClaimed),
	}
	ids, err := claimScript.Run(ctx, s.client, keys,
		n, strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(now.UnixMilli(), 10), s.jobPrefix(), token).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs, err := s.load(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) MarkComplete(ctx context.Context, claim core.Claim, now time.Time) error {
	return s.transition(ctx, claim, core.JobCompleted, 1, false,
		"completed_at", strconv.FormatInt(now.UnixNano(), 10),
		"failure_reason", "")
}

func (s *Store) MarkFailed(ctx context.Context, claim core.Claim, reason string, now time.Time) error {
	return s.transition(ctx, claim, core.JobFailed, 1, false,
		"completed_at", strconv.FormatInt(now.UnixNano(), 10),
		"failure_reason", reason)
}

func (s *Store) MarkRetry(ctx context.Context, claim core.Claim, reason string) error {
	return s.transition(ctx, claim, core.JobPending, 1, true, "failure_reason", reason)
}

func (s *Store) Release(ctx context.Context, claim core.Claim) error {
	return s.transition(ctx, claim, core.JobPending, 0, true)
}

func (s *Store) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	keys := []string{
		s.claimedQueue(),
		s.statusSet(core.JobClaimed),
		s.statusSet(core.JobPending),
		s.pendingQueue(),
	}
	count, err := requeueStaleScript.Run(ctx, s.client, keys,
		strconv.FormatInt(claimedBefore.UnixMilli(), 10), s.jobPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return count, nil
}

func (s *Store) RequeueFailed(ctx context.Context, resource string) (int64, error) {
	keys := []string{
		s.statusSet(core.JobFailed),
		s.statusSet(core.JobPending),
		s.pendingQueue(),
	}
	count, err := requeueFailedScript.Run(ctx, s.client, keys, strings.TrimSpace(resource), s.jobPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	return count, nil
}

func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error) {
	statuses := core.AllJobStatuses
	if filter.Status != "" {
		statuses = []core.JobStatus{filter.Status}
	}

	var ids []string
	for _, status := range statuses {
		members, err := s.client.SMembers(ctx, s.statusSet(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		ids = append(ids, members...)
	}

	rows, err := s.loadRows(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	filtered := rows[:0]
	for _, row := range rows {
		if filter.Resource != "" && row.job.Resource() != filter.Resource {
			continue
		}
		filtered = append(filtered, row)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score < filtered[j].score
		}
		return filtered[i].member < filtered[j].member
	})
	if filter.Limit > 0 && len(filtered) > filter.Limit {
		filtered = filtered[:filter.Limit]
	}

	jobs := make([]core.EnrichmentJob, 0, len(filtered))
	for _, row := range filtered {
		jobs = append(jobs, row.job)
	}
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) (core.JobStats, error) {
	pipe := s.client.Pipeline()
	counts := make(map[core.JobStatus]*redis.IntCmd, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		counts[status] = pipe.SCard(ctx, s.statusSet(status))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	stats := make(core.JobStats, len(counts))
	for status, cmd := range counts {
		stats[status] = int(cmd.Val())
	}
	return stats, nil
}

func (s *Store) transition(ctx context.Context, claim core.Claim, target core.JobStatus, attempts int, requeue bool, fields ...string) error {
	id := claim.ID
	keys := []string{
		s.jobKey(id),
		s.claimedQueue(),
		s.statusSet(core.JobClaimed),
		s.statusSet(target),
		s.pendingQueue(),
	}
	flag := "0"
	if requeue {
		flag = "1"
	}
	args := []any{id, string(target), attempts, flag, claim.Token}
	for _, field := range fields {
		args = append(args, field)
	}

	result, err := transitionScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	switch result {
	case 1:
		return nil
	case -1:
		return core.ErrJobNotFound
	case -2:
		return fmt.Errorf("%w: job %s was claimed again", core.ErrInvalidTransition, id)
	default:
		return fmt.Errorf("%w: job %s is not claimed", core.ErrInvalidTransition, id)
	}
}

type storedJob struct {
	job    core.EnrichmentJob
	score  float64
	member string
}

func (s *Store) load(ctx context.Context, ids []string) ([]core.EnrichmentJob, error) {
	rows, err := s.loadRows(ctx, ids)
	if err != nil {
		return nil, err
	}
	jobs := make([]core.EnrichmentJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job)
	}
	return jobs, nil
}

// loadRows fetches hashes for ids, preserving order and skipping ids
// whose hash has vanished.
func (s *Store) loadRows(ctx context.Context, ids []string) ([]storedJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	rows := make([]storedJob, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		row, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeJob(fields map[string]string) (storedJob, error) {
	var row storedJob
	job := &row.job

	job.ID = fields["id"]
	job.DedupKey = fields["dedup_key"]
	job.Status = core.JobStatus(fields["status"])
	job.FailureReason = fields["failure_reason"]
	job.ClaimToken = fields["claim_token"]
	row.member = fields["member"]

	priority, err := strconv.Atoi(fields["priority"])
	if err != nil {
		return row, fmt.Errorf("decode priority for job %s: %w", job.ID, err)
	}
	job.Priority = core.Priority(priority)

	if job.AttemptCount, err = strconv.Atoi(fields["attempt_count"]); err != nil {
		return row, fmt.Errorf("decode attempts for job %s: %w", job.ID, err)
	}
	if row.score, err = strconv.ParseFloat(fields["score"], 64); err != nil {
		return row, fmt.Errorf("decode score for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return row, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}

	requested, err := parseNanos(fields["requested_at"])
	if err != nil || requested == nil {
		return row, fmt.Errorf("decode requested_at for job %s: %v", job.ID, err)
	}
	job.RequestedAt = *requested
	if job.ClaimedAt, err = parseNanos(fields["claimed_at"]); err != nil {
		return row, fmt.Errorf("decode claimed_at for job %s: %w", job.ID, err)
	}
	if job.CompletedAt, err = parseNanos(fields["completed_at"]); err != nil {
		return row, fmt.Errorf("decode completed_at for job %s: %w", job.ID, err)
	}
	return row, nil
}

func parseNanos(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, err
	}
	at := time.Unix(0, nanos).UTC()
	return &at, nil
}
