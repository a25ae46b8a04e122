package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

// CircuitBreaker tracks the failure streak and APIStatus of one resource.
//
// Error refuses calls until Cooldown has passed since the breaker opened;
// the next call after that is let through and closes the breaker on
// success. There is no timer: recovery happens on the next attempt. A zero
// Cooldown means Error never refuses calls.
type CircuitBreaker struct {
	Name        string
	MaxFailures int
	Cooldown    time.Duration
	Clock       func() time.Time

	mu            sync.Mutex
	status        core.APIStatus
	failures      int
	openedAt      *time.Time
	onStateChange func(name string, from, to core.APIStatus)
}

// NewCircuitBreaker builds an Active breaker.
func NewCircuitBreaker(name string, limits core.ResourceLimits) *CircuitBreaker {
	return &CircuitBreaker{
		Name:        name,
		MaxFailures: limits.MaxFailures,
		Cooldown:    limits.Cooldown,
		status:      core.APIActive,
	}
}

// OnStateChange registers fn to run after every status change. fn runs
// outside the breaker lock.
func (b *CircuitBreaker) OnStateChange(fn func(name string, from, to core.APIStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed. It returns an error wrapping
// core.ErrCircuitOpen when the resource is disabled or cooling down.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case core.APIDisabled:
		return fmt.Errorf("%w: %s is disabled", core.ErrCircuitOpen, b.Name)
	case core.APIError:
		if b.Cooldown <= 0 || b.openedAt == nil {
			return nil
		}
		if remaining := b.openedAt.Add(b.Cooldown).Sub(b.now()); remaining > 0 {
			return fmt.Errorf("%w: %s after %d consecutive failures, retry in %s",
				core.ErrCircuitOpen, b.Name, b.failures, remaining.Round(time.Second))
		}
	}
	return nil
}

// RecordRateLimited marks the resource RateLimited. Error and Disabled are
// kept: a refused reservation says nothing about upstream health.
func (b *CircuitBreaker) RecordRateLimited() {
	b.transition(func() {
		if b.status == core.APIActive {
			b.status = core.APIRateLimited
		}
	})
}

// RecordSuccess resets the failure streak and closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.transition(func() {
		b.failures = 0
		if b.status == core.APIDisabled {
			return
		}
		b.status = core.APIActive
		b.openedAt = nil
	})
}

// RecordFailure extends the failure streak and opens the breaker once it
// reaches MaxFailures. A failure while already open restarts the cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.transition(func() {
		b.failures++
		if b.status == core.APIDisabled {
			return
		}
		if b.MaxFailures > 0 && b.failures >= b.MaxFailures {
			now := b.now()
			b.status = core.APIError
			b.openedAt = &now
		}
	})
}

// Disable forces the resource off until Enable is called.
func (b *CircuitBreaker) Disable() {
	b.transition(func() {
		b.status = core.APIDisabled
	})
}

// Enable returns a disabled resource to Active with a clean streak.
func (b *CircuitBreaker) Enable() {
	b.transition(func() {
		if b.status != core.APIDisabled {
			return
		}
		b.status = core.APIActive
		b.failures = 0
		b.openedAt = nil
	})
}

// Status returns the current status.
func (b *CircuitBreaker) Status() core.APIStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// OpenedAt returns when the breaker last entered Error, or nil.
func (b *CircuitBreaker) OpenedAt() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt == nil {
		return nil
	}
	at := *b.openedAt
	return &at
}

func (b *CircuitBreaker) transition(mutate func()) {
	b.mu.Lock()
	if b.status == "" {
		b.status = core.APIActive
	}
	from := b.status
	mutate()
	to := b.status
	hook := b.onStateChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(b.Name, from, to)
	}
}

func (b *CircuitBreaker) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now().UTC()
}
