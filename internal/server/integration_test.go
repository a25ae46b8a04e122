package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/observability"
)

func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}

// startExporter binds a real Prometheus exporter on an ephemeral port and
// skips when the sandbox refuses sockets.
func startExporter(t *testing.T) {
	t.Helper()
	if err := observability.InitMetrics("gridlens", 0, "itest"); err != nil {
		if isPermissionError(err) {
			t.Skipf("metrics exporter unavailable: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		if observability.PrometheusExporter != nil {
			_ = observability.PrometheusExporter.Stop()
		}
		observability.PrometheusExporter = nil
		observability.TelemetrySystem = nil
	})
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := New(Options{Host: "127.0.0.1", Version: "test"})

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("listener unavailable: %v", err)
		}
		require.NoError(t, err)
	}
	ts := &httptest.Server{Listener: listener, Config: &http.Server{Handler: srv.Handler()}}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func TestMetricsEndpointUnderLoad(t *testing.T) {
	startExporter(t)
	ts := startServer(t)
	client := ts.Client()

	paths := []string{"/health", "/health/live", "/version", "/missing"}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				resp, err := client.Get(ts.URL + paths[(w+i)%len(paths)])
				if err == nil {
					_ = resp.Body.Close()
				}
			}
		}(w)
	}
	wg.Wait()

	resp, err := client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	content := string(body)
	assert.Contains(t, content, "itest_http_requests_total")

	samples := 0
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			samples++
		}
	}
	assert.Greater(t, samples, 0)
}

func TestPipelineMetricsUnavailableWithoutRegistry(t *testing.T) {
	ts := startServer(t)

	resp, err := ts.Client().Get(ts.URL + "/metrics/pipeline")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
