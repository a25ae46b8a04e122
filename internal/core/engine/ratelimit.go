package engine

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

// RateLimiter enforces per-resource minute and hour call budgets. State is
// process-local: several processes sharing a store each get a full budget.
type RateLimiter struct {
	Clock func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu    sync.Mutex
	state core.RateLimitState
}

// NewRateLimiter builds a limiter for the configured resources.
func NewRateLimiter(limits map[string]core.ResourceLimits) *RateLimiter {
	r := &RateLimiter{buckets: make(map[string]*bucket, len(limits))}
	for name, limit := range limits {
		r.Configure(name, limit)
	}
	return r
}

// Configure registers or replaces the budget for resource. Counters of an
// existing resource are kept.
func (r *RateLimiter) Configure(resource string, limits core.ResourceLimits) {
	resource = normalizeResource(resource)
	if resource == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets == nil {
		r.buckets = make(map[string]*bucket)
	}
	b, ok := r.buckets[resource]
	if !ok {
		b = &bucket{}
		r.buckets[resource] = b
	}

	b.mu.Lock()
	b.state.CallsPerMinute = limits.CallsPerMinute
	b.state.CallsPerHour = limits.CallsPerHour
	b.state.MaxFailures = limits.MaxFailures
	b.mu.Unlock()
}

// Reserve takes one call from both windows of resource. Expired windows are
// rolled forward first. On refusal no counter changes.
func (r *RateLimiter) Reserve(resource string) bool {
	b := r.bucket(resource)
	if b == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	b.roll(now)

	state := &b.state
	if state.BackoffUntil != nil {
		if now.Before(*state.BackoffUntil) {
			return false
		}
		state.BackoffUntil = nil
	}
	if state.MinuteCount >= state.CallsPerMinute || state.HourCount >= state.CallsPerHour {
		return false
	}

	state.MinuteCount++
	state.HourCount++
	return true
}

// Record429 refuses reservations for resource until retryAfter has passed.
// A later back-off never shortens an earlier one.
func (r *RateLimiter) Record429(resource string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	b := r.bucket(resource)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	until := r.now().Add(retryAfter)
	if b.state.BackoffUntil != nil && b.state.BackoffUntil.After(until) {
		return
	}
	b.state.BackoffUntil = &until
}

// Snapshot returns a copy of the state of resource after rolling expired
// windows.
func (r *RateLimiter) Snapshot(resource string) (core.RateLimitState, bool) {
	b := r.bucket(resource)
	if b == nil {
		return core.RateLimitState{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(r.now())

	state := b.state
	if state.BackoffUntil != nil {
		until := *state.BackoffUntil
		state.BackoffUntil = &until
	}
	return state, true
}

// Resources lists configured resources in name order.
func (r *RateLimiter) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *RateLimiter) bucket(resource string) *bucket {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[normalizeResource(resource)]
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

// roll resets each window whose reset time has been reached. Callers hold b.mu.
func (b *bucket) roll(now time.Time) {
	state := &b.state
	if !now.Before(state.MinuteResetAt) {
		if !state.MinuteResetAt.IsZero() {
			state.MinuteCount = 0
		}
		state.MinuteResetAt = nextBoundary(state.MinuteResetAt, now, time.Minute)
	}
	if !now.Before(state.HourResetAt) {
		if !state.HourResetAt.IsZero() {
			state.HourCount = 0
		}
		state.HourResetAt = nextBoundary(state.HourResetAt, now, time.Hour)
	}
}

// nextBoundary advances resetAt by whole windows until it lies after now.
// A zero resetAt opens the first window at now.
func nextBoundary(resetAt, now time.Time, window time.Duration) time.Time {
	if resetAt.IsZero() {
		return now.Add(window)
	}
	steps := now.Sub(resetAt)/window + 1
	return resetAt.Add(steps * window)
}

func normalizeResource(resource string) string {
	return strings.ToLower(strings.TrimSpace(resource))
}
