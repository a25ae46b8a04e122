package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
)

func TestPrometheusSinkCounts(t *testing.T) {
	sink, err := NewPrometheusSink("gridlens_test")
	require.NoError(t, err)
	ctx := context.Background()

	sink.Emit(ctx, core.Event{Type: core.EventEnqueued, Resource: "weather", JobID: "a", Priority: core.PriorityHigh})
	sink.Emit(ctx, core.Event{Type: core.EventEnqueued, Resource: "weather", JobID: "b", Priority: core.PriorityHigh})
	sink.Emit(ctx, core.Event{Type: core.EventClaimed, Count: 4})
	sink.Emit(ctx, core.Event{Type: core.EventCallSucceeded, Resource: "weather", Duration: 120 * time.Millisecond})
	sink.Emit(ctx, core.Event{Type: core.EventCallFailed, Resource: "weather", Kind: core.KindTimeout, Duration: time.Second})
	sink.Emit(ctx, core.Event{Type: core.EventRejected, Resource: "weather", Kind: core.KindRateLimitExceeded})

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobs.WithLabelValues("enqueued", "weather", "high")))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.jobs.WithLabelValues("claimed", "", "")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.calls.WithLabelValues("weather", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.calls.WithLabelValues("weather", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rejections.WithLabelValues("weather", "rate_limit_exceeded")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.latency))
}

func TestPrometheusSinkStatusGauge(t *testing.T) {
	sink, err := NewPrometheusSink("")
	require.NoError(t, err)

	sink.SetStatus("weather", core.APIActive)
	sink.Emit(context.Background(), core.Event{Type: core.EventCircuitChange, Resource: "weather", From: core.APIActive, To: core.APIError})

	require.Equal(t, 0.0, testutil.ToFloat64(sink.status.WithLabelValues("weather", "active")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.status.WithLabelValues("weather", "error")))
}

func TestPrometheusSinkHandler(t *testing.T) {
	sink, err := NewPrometheusSink("gridlens")
	require.NoError(t, err)
	sink.Emit(context.Background(), core.Event{Type: core.EventRejected, Resource: "market", Kind: core.KindCircuitOpen})

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `gridlens_api_rejections_total{kind="circuit_open",resource="market"} 1`)
}
