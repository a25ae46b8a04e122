package caller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
)

func TestCallJoinsBaseURLAndParams(t *testing.T) {
	var seen *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temperature":12.5}`))
	}))
	defer server.Close()

	c := New(map[string]string{"Weather": server.URL + "/api/"}, "gridlens/test")
	c.Client = server.Client()

	resp, err := c.Call(context.Background(), core.Payload{
		Resource: "weather",
		Endpoint: "/v1/daily",
		Params:   map[string]string{"lat": "40.4", "lon": "-3.7"},
	})
	require.NoError(t, err)
	require.True(t, resp.Successful())
	require.JSONEq(t, `{"temperature":12.5}`, string(resp.Body))

	require.Equal(t, "/api/v1/daily", seen.URL.Path)
	require.Equal(t, "40.4", seen.URL.Query().Get("lat"))
	require.Equal(t, "-3.7", seen.URL.Query().Get("lon"))
	require.Equal(t, "gridlens/test", seen.Header.Get("User-Agent"))
}

func TestCallReturnsNon2xxWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(nil, "")
	c.Client = server.Client()

	resp, err := c.Call(context.Background(), core.Payload{Resource: "market", Endpoint: server.URL + "/prices"})
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, 7*time.Second, resp.RetryAfter)
	require.False(t, resp.Successful())
}

func TestCallHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(map[string]string{"weather": server.URL}, "")
	c.Client = server.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, core.Payload{Resource: "weather", Endpoint: "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallTruncatesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	c := New(map[string]string{"weather": server.URL}, "")
	c.Client = server.Client()
	c.MaxBodyBytes = 4

	resp, err := c.Call(context.Background(), core.Payload{Resource: "weather", Endpoint: "/x"})
	require.NoError(t, err)
	require.Equal(t, "0123", string(resp.Body))
}

func TestResolveRequiresBaseURL(t *testing.T) {
	c := New(nil, "")

	_, err := c.resolve(core.Payload{Resource: "cadastre", Endpoint: "/parcels"})
	require.ErrorContains(t, err, "no base_url configured for resource cadastre")

	_, err = c.resolve(core.Payload{Resource: "cadastre"})
	require.Error(t, err)
}

func TestResolveKeepsEndpointQuery(t *testing.T) {
	c := New(map[string]string{"market": "https://prices.example/api"}, "")

	target, err := c.resolve(core.Payload{
		Resource: "market",
		Endpoint: "spot?zone=es",
		Params:   map[string]string{"date": "2024-02-01"},
	})
	require.NoError(t, err)
	require.Equal(t, "https://prices.example/api/spot?date=2024-02-01&zone=es", target)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 30*time.Second, retryAfter("30", now))
	require.Equal(t, time.Duration(0), retryAfter("", now))
	require.Equal(t, time.Duration(0), retryAfter("soon", now))
	require.Equal(t, 90*time.Second, retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	require.Equal(t, time.Duration(0), retryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
