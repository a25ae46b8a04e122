package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

// Call performs one external request. ctx carries the per-resource timeout.
type Call func(ctx context.Context) (*core.Response, error)

// APIManager gates every external call through the resource's breaker and
// rate limiter, then feeds the outcome back into both.
type APIManager struct {
	Limiter *RateLimiter
	Sink    core.EventSink

	clock    func() time.Time
	limits   map[string]core.ResourceLimits
	breakers map[string]*CircuitBreaker
}

// NewAPIManager builds breakers and limiter windows for every configured
// resource. A nil clock uses wall time.
func NewAPIManager(limits map[string]core.ResourceLimits, sink core.EventSink, clock func() time.Time) *APIManager {
	m := &APIManager{
		Limiter:  NewRateLimiter(limits),
		Sink:     core.SinkOrNop(sink),
		clock:    clock,
		limits:   make(map[string]core.ResourceLimits, len(limits)),
		breakers: make(map[string]*CircuitBreaker, len(limits)),
	}
	m.Limiter.Clock = clock

	for name, limit := range limits {
		name = normalizeResource(name)
		if name == "" {
			continue
		}
		breaker := NewCircuitBreaker(name, limit)
		breaker.Clock = clock
		breaker.OnStateChange(m.emitStateChange)
		m.limits[name] = limit
		m.breakers[name] = breaker
	}
	return m
}

// Invoke runs call against resource if the breaker and limiter allow it.
//
// Gate refusals return errors wrapping core.ErrCircuitOpen or
// core.ErrRateLimitExceeded without running call. Transport errors and
// non-2xx responses return *core.UpstreamError and count as failures,
// except 429 which backs off the limiter and marks the resource
// RateLimited. Cancellation of ctx is returned as is and leaves breaker
// state untouched.
func (m *APIManager) Invoke(ctx context.Context, resource string, call Call) (*core.Response, error) {
	resource = normalizeResource(resource)
	breaker, ok := m.breakers[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownResource, resource)
	}

	if err := breaker.Allow(); err != nil {
		m.emit(ctx, core.Event{Type: core.EventRejected, Resource: resource, Kind: core.KindCircuitOpen, Err: err})
		return nil, err
	}
	if !m.Limiter.Reserve(resource) {
		breaker.RecordRateLimited()
		err := fmt.Errorf("%w: %s", core.ErrRateLimitExceeded, resource)
		m.emit(ctx, core.Event{Type: core.EventRejected, Resource: resource, Kind: core.KindRateLimitExceeded, Err: err})
		return nil, err
	}

	limit := m.limits[resource]
	callCtx := ctx
	cancel := func() {}
	if limit.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, limit.Timeout)
	}
	started := m.now()
	resp, err := call(callCtx)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := m.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		upstream := &core.UpstreamError{Resource: resource, Timeout: timedOut, Cause: err}
		if resp != nil {
			upstream.StatusCode = resp.StatusCode
		}
		return resp, m.fail(ctx, breaker, upstream, elapsed)
	}
	if resp == nil {
		return nil, m.fail(ctx, breaker, &core.UpstreamError{Resource: resource, Cause: errors.New("empty response")}, elapsed)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		m.Limiter.Record429(resource, resp.RetryAfter)
		breaker.RecordRateLimited()
		upstream := &core.UpstreamError{Resource: resource, StatusCode: resp.StatusCode, Cause: core.ErrRateLimitExceeded}
		m.emit(ctx, core.Event{Type: core.EventRejected, Resource: resource, Kind: core.KindRateLimitExceeded, Duration: elapsed, Err: upstream})
		return resp, upstream
	}
	if !resp.Successful() {
		return resp, m.fail(ctx, breaker, &core.UpstreamError{Resource: resource, StatusCode: resp.StatusCode}, elapsed)
	}

	breaker.RecordSuccess()
	m.emit(ctx, core.Event{Type: core.EventCallSucceeded, Resource: resource, Duration: elapsed})
	return resp, nil
}

func (m *APIManager) fail(ctx context.Context, breaker *CircuitBreaker, err *core.UpstreamError, elapsed time.Duration) error {
	breaker.RecordFailure()
	m.emit(ctx, core.Event{
		Type:     core.EventCallFailed,
		Resource: err.Resource,
		Kind:     core.KindOf(err),
		Count:    breaker.Failures(),
		Duration: elapsed,
		Err:      err,
	})
	return err
}

// Disable forces resource off. Invoke returns CircuitOpen until Enable.
func (m *APIManager) Disable(resource string) error {
	breaker, err := m.breaker(resource)
	if err != nil {
		return err
	}
	breaker.Disable()
	return nil
}

// Enable re-activates a disabled resource.
func (m *APIManager) Enable(resource string) error {
	breaker, err := m.breaker(resource)
	if err != nil {
		return err
	}
	breaker.Enable()
	return nil
}

// Has reports whether resource is configured.
func (m *APIManager) Has(resource string) bool {
	_, ok := m.breakers[normalizeResource(resource)]
	return ok
}

// Status returns the breaker and limiter view of resource.
func (m *APIManager) Status(resource string) (core.ResourceStatus, error) {
	breaker, err := m.breaker(resource)
	if err != nil {
		return core.ResourceStatus{}, err
	}
	state, _ := m.Limiter.Snapshot(breaker.Name)
	state.ConsecutiveFailures = breaker.Failures()
	state.MaxFailures = breaker.MaxFailures
	return core.ResourceStatus{
		Name:     breaker.Name,
		Status:   breaker.Status(),
		OpenedAt: breaker.OpenedAt(),
		Limits:   state,
	}, nil
}

// Statuses returns Status for every resource in name order.
func (m *APIManager) Statuses() []core.ResourceStatus {
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]core.ResourceStatus, 0, len(names))
	for _, name := range names {
		status, err := m.Status(name)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (m *APIManager) breaker(resource string) (*CircuitBreaker, error) {
	breaker, ok := m.breakers[normalizeResource(resource)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownResource, resource)
	}
	return breaker, nil
}

func (m *APIManager) emitStateChange(name string, from, to core.APIStatus) {
	m.emit(context.Background(), core.Event{Type: core.EventCircuitChange, Resource: name, From: from, To: to})
}

func (m *APIManager) emit(ctx context.Context, event core.Event) {
	if event.Time.IsZero() {
		event.Time = m.now()
	}
	core.SinkOrNop(m.Sink).Emit(ctx, event)
}

func (m *APIManager) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now().UTC()
}
