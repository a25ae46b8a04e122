package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
)

type transition struct {
	from, to core.APIStatus
}

func newBreaker(clock *fakeClock, maxFailures int, cooldown time.Duration) (*CircuitBreaker, *[]transition) {
	breaker := NewCircuitBreaker("weather", core.ResourceLimits{MaxFailures: maxFailures, Cooldown: cooldown})
	breaker.Clock = clock.Now
	var seen []transition
	breaker.OnStateChange(func(name string, from, to core.APIStatus) {
		seen = append(seen, transition{from, to})
	})
	return breaker, &seen
}

func TestBreakerOpensAtMaxFailures(t *testing.T) {
	breaker, seen := newBreaker(newFakeClock(), 2, time.Minute)

	breaker.RecordFailure()
	require.Equal(t, core.APIActive, breaker.Status())
	require.NoError(t, breaker.Allow())

	breaker.RecordFailure()
	require.Equal(t, core.APIError, breaker.Status())
	require.NotNil(t, breaker.OpenedAt())
	require.ErrorIs(t, breaker.Allow(), core.ErrCircuitOpen)
	require.Equal(t, []transition{{core.APIActive, core.APIError}}, *seen)
}

func TestBreakerCooldownLetsNextCallThrough(t *testing.T) {
	clock := newFakeClock()
	breaker, seen := newBreaker(clock, 1, 30*time.Second)

	breaker.RecordFailure()
	require.ErrorIs(t, breaker.Allow(), core.ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, breaker.Allow())
	require.Equal(t, core.APIError, breaker.Status(), "recovery is decided by the next call")

	breaker.RecordSuccess()
	require.Equal(t, core.APIActive, breaker.Status())
	require.Equal(t, 0, breaker.Failures())
	require.Nil(t, breaker.OpenedAt())
	require.Equal(t, []transition{
		{core.APIActive, core.APIError},
		{core.APIError, core.APIActive},
	}, *seen)
}

func TestBreakerFailureWhileOpenRestartsCooldown(t *testing.T) {
	clock := newFakeClock()
	breaker, _ := newBreaker(clock, 1, 30*time.Second)

	breaker.RecordFailure()
	clock.Advance(30 * time.Second)
	require.NoError(t, breaker.Allow())

	breaker.RecordFailure()
	require.Equal(t, 2, breaker.Failures())
	require.ErrorIs(t, breaker.Allow(), core.ErrCircuitOpen)
}

func TestBreakerZeroCooldownNeverBlocks(t *testing.T) {
	breaker, _ := newBreaker(newFakeClock(), 1, 0)

	breaker.RecordFailure()
	require.Equal(t, core.APIError, breaker.Status())
	require.NoError(t, breaker.Allow())
}

func TestBreakerRateLimitedDoesNotBlock(t *testing.T) {
	breaker, seen := newBreaker(newFakeClock(), 3, time.Minute)

	breaker.RecordRateLimited()
	require.Equal(t, core.APIRateLimited, breaker.Status())
	require.NoError(t, breaker.Allow())

	breaker.RecordSuccess()
	require.Equal(t, core.APIActive, breaker.Status())
	require.Len(t, *seen, 2)
}

func TestBreakerRateLimitKeepsErrorStatus(t *testing.T) {
	breaker, _ := newBreaker(newFakeClock(), 1, 0)

	breaker.RecordFailure()
	breaker.RecordRateLimited()
	require.Equal(t, core.APIError, breaker.Status())
}

func TestBreakerDisableEnable(t *testing.T) {
	breaker, seen := newBreaker(newFakeClock(), 2, time.Minute)

	breaker.Disable()
	require.Equal(t, core.APIDisabled, breaker.Status())
	require.ErrorIs(t, breaker.Allow(), core.ErrCircuitOpen)

	breaker.RecordSuccess()
	require.Equal(t, core.APIDisabled, breaker.Status(), "only Enable leaves Disabled")

	breaker.Enable()
	require.Equal(t, core.APIActive, breaker.Status())
	require.NoError(t, breaker.Allow())
	require.Equal(t, []transition{
		{core.APIActive, core.APIDisabled},
		{core.APIDisabled, core.APIActive},
	}, *seen)
}

func TestBreakerEnableIsNoopWhenActive(t *testing.T) {
	breaker, seen := newBreaker(newFakeClock(), 2, time.Minute)

	breaker.RecordFailure()
	breaker.Enable()
	require.Equal(t, 1, breaker.Failures())
	require.Empty(t, *seen)
}
