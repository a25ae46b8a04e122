package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *recordingSink) Emit(_ context.Context, event core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) ofType(eventType core.EventType) []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type countingCall struct {
	mu    sync.Mutex
	calls int
	resp  *core.Response
	err   error
}

func (c *countingCall) call(ctx context.Context) (*core.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.resp, c.err
}

func (c *countingCall) set(resp *core.Response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resp, c.err = resp, err
}

func (c *countingCall) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func okResponse() *core.Response { return &core.Response{StatusCode: http.StatusOK} }

func newManager(clock *fakeClock, limits core.ResourceLimits) (*APIManager, *recordingSink) {
	sink := &recordingSink{}
	if limits.CallsPerMinute == 0 {
		limits.CallsPerMinute = 100
	}
	if limits.CallsPerHour == 0 {
		limits.CallsPerHour = 1000
	}
	manager := NewAPIManager(map[string]core.ResourceLimits{"weather": limits}, sink, clock.Now)
	return manager, sink
}

func TestInvokeSuccess(t *testing.T) {
	manager, sink := newManager(newFakeClock(), core.ResourceLimits{MaxFailures: 2})
	call := &countingCall{resp: okResponse()}

	resp, err := manager.Invoke(context.Background(), "Weather", call.call)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, call.count())
	require.Len(t, sink.ofType(core.EventCallSucceeded), 1)

	status, err := manager.Status("weather")
	require.NoError(t, err)
	require.Equal(t, core.APIActive, status.Status)
	require.Equal(t, 1, status.Limits.MinuteCount)
}

func TestInvokeBreakerOpensAfterMaxFailures(t *testing.T) {
	manager, sink := newManager(newFakeClock(), core.ResourceLimits{MaxFailures: 2, Cooldown: 30 * time.Second})
	call := &countingCall{err: errors.New("connection refused")}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := manager.Invoke(ctx, "weather", call.call)
		var upstream *core.UpstreamError
		require.ErrorAs(t, err, &upstream)
		require.Equal(t, "weather", upstream.Resource)
		require.EqualError(t, upstream.Cause, "connection refused")
	}

	status, _ := manager.Status("weather")
	require.Equal(t, core.APIError, status.Status)
	require.Equal(t, 2, status.Limits.ConsecutiveFailures)

	_, err := manager.Invoke(ctx, "weather", call.call)
	require.ErrorIs(t, err, core.ErrCircuitOpen)
	require.Equal(t, core.KindCircuitOpen, core.KindOf(err))
	require.Equal(t, 2, call.count(), "open circuit must not call upstream")

	changes := sink.ofType(core.EventCircuitChange)
	require.Len(t, changes, 1)
	require.Equal(t, core.APIActive, changes[0].From)
	require.Equal(t, core.APIError, changes[0].To)
}

func TestInvokeLazyRecovery(t *testing.T) {
	clock := newFakeClock()
	manager, _ := newManager(clock, core.ResourceLimits{MaxFailures: 2, Cooldown: 30 * time.Second})
	call := &countingCall{err: errors.New("boom")}
	ctx := context.Background()

	_, err := manager.Invoke(ctx, "weather", call.call)
	require.Error(t, err)
	status, _ := manager.Status("weather")
	require.Equal(t, 1, status.Limits.ConsecutiveFailures)

	call.set(okResponse(), nil)
	_, err = manager.Invoke(ctx, "weather", call.call)
	require.NoError(t, err)
	status, _ = manager.Status("weather")
	require.Equal(t, 0, status.Limits.ConsecutiveFailures)
	require.Equal(t, core.APIActive, status.Status)

	// From Error, once the cooldown has passed.
	call.set(nil, errors.New("boom"))
	_, _ = manager.Invoke(ctx, "weather", call.call)
	_, _ = manager.Invoke(ctx, "weather", call.call)
	status, _ = manager.Status("weather")
	require.Equal(t, core.APIError, status.Status)

	clock.Advance(31 * time.Second)
	call.set(okResponse(), nil)
	_, err = manager.Invoke(ctx, "weather", call.call)
	require.NoError(t, err)
	status, _ = manager.Status("weather")
	require.Equal(t, core.APIActive, status.Status)
	require.Equal(t, 0, status.Limits.ConsecutiveFailures)
	require.Nil(t, status.OpenedAt)
}

func TestInvokeRateLimited(t *testing.T) {
	manager, sink := newManager(newFakeClock(), core.ResourceLimits{CallsPerMinute: 1, MaxFailures: 2})
	call := &countingCall{resp: okResponse()}
	ctx := context.Background()

	_, err := manager.Invoke(ctx, "weather", call.call)
	require.NoError(t, err)

	_, err = manager.Invoke(ctx, "weather", call.call)
	require.ErrorIs(t, err, core.ErrRateLimitExceeded)
	require.True(t, core.KindOf(err).Retryable())
	require.Equal(t, 1, call.count())

	status, _ := manager.Status("weather")
	require.Equal(t, core.APIRateLimited, status.Status)
	require.Equal(t, 0, status.Limits.ConsecutiveFailures)
	require.Len(t, sink.ofType(core.EventRejected), 1)
}

func TestInvokeUpstream429BacksOff(t *testing.T) {
	clock := newFakeClock()
	manager, _ := newManager(clock, core.ResourceLimits{MaxFailures: 1, Cooldown: time.Minute})
	call := &countingCall{resp: &core.Response{StatusCode: http.StatusTooManyRequests, RetryAfter: 20 * time.Second}}
	ctx := context.Background()

	_, err := manager.Invoke(ctx, "weather", call.call)
	var upstream *core.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	require.Equal(t, core.KindRateLimitExceeded, core.KindOf(err))

	status, _ := manager.Status("weather")
	require.Equal(t, core.APIRateLimited, status.Status)
	require.Equal(t, 0, status.Limits.ConsecutiveFailures, "429 is not an upstream failure")
	require.NotNil(t, status.Limits.BackoffUntil)

	call.set(okResponse(), nil)
	_, err = manager.Invoke(ctx, "weather", call.call)
	require.ErrorIs(t, err, core.ErrRateLimitExceeded)
	require.Equal(t, 1, call.count())

	clock.Advance(20 * time.Second)
	_, err = manager.Invoke(ctx, "weather", call.call)
	require.NoError(t, err)
}

func TestInvokeNon2xxIsFailure(t *testing.T) {
	manager, sink := newManager(newFakeClock(), core.ResourceLimits{MaxFailures: 3})
	call := &countingCall{resp: &core.Response{StatusCode: http.StatusBadGateway}}

	_, err := manager.Invoke(context.Background(), "weather", call.call)
	require.ErrorIs(t, err, core.ErrUpstream)
	require.Equal(t, core.KindUpstream, core.KindOf(err))

	failed := sink.ofType(core.EventCallFailed)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].Count)
}

func TestInvokeTimeout(t *testing.T) {
	manager, _ := newManager(newFakeClock(), core.ResourceLimits{MaxFailures: 3, Timeout: 20 * time.Millisecond})

	_, err := manager.Invoke(context.Background(), "weather", func(ctx context.Context) (*core.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, core.ErrTimeout)
	require.ErrorIs(t, err, core.ErrUpstream)
	require.Equal(t, core.KindTimeout, core.KindOf(err))

	status, _ := manager.Status("weather")
	require.Equal(t, 1, status.Limits.ConsecutiveFailures)
}

func TestInvokeCancelledContextLeavesBreaker(t *testing.T) {
	manager, _ := newManager(newFakeClock(), core.ResourceLimits{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := manager.Invoke(ctx, "weather", func(callCtx context.Context) (*core.Response, error) {
		cancel()
		return nil, callCtx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	status, _ := manager.Status("weather")
	require.Equal(t, core.APIActive, status.Status)
	require.Equal(t, 0, status.Limits.ConsecutiveFailures)
}

func TestInvokeDisabled(t *testing.T) {
	manager, _ := newManager(newFakeClock(), core.ResourceLimits{MaxFailures: 1})
	call := &countingCall{resp: okResponse()}

	require.NoError(t, manager.Disable("weather"))
	_, err := manager.Invoke(context.Background(), "weather", call.call)
	require.ErrorIs(t, err, core.ErrCircuitOpen)
	require.Zero(t, call.count())

	status, _ := manager.Status("weather")
	require.Equal(t, 0, status.Limits.MinuteCount, "disabled resources do not reserve")

	require.NoError(t, manager.Enable("weather"))
	_, err = manager.Invoke(context.Background(), "weather", call.call)
	require.NoError(t, err)
}

func TestInvokeUnknownResource(t *testing.T) {
	manager, _ := newManager(newFakeClock(), core.ResourceLimits{})

	_, err := manager.Invoke(context.Background(), "cadastre", (&countingCall{}).call)
	require.ErrorIs(t, err, core.ErrUnknownResource)
	require.ErrorIs(t, manager.Disable("cadastre"), core.ErrUnknownResource)
	require.False(t, manager.Has("cadastre"))
	require.True(t, manager.Has("weather"))
}

func TestStatusesAreSorted(t *testing.T) {
	manager := NewAPIManager(map[string]core.ResourceLimits{
		"weather": {CallsPerMinute: 1, CallsPerHour: 1},
		"market":  {CallsPerMinute: 1, CallsPerHour: 1},
	}, nil, nil)

	statuses := manager.Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "market", statuses[0].Name)
	require.Equal(t, "weather", statuses[1].Name)
}
