package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/core"
	apperrors "github.com/gridlens/gridlens/internal/errors"
	"github.com/gridlens/gridlens/internal/output"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{name: "missing file", err: fmt.Errorf("read: %w", os.ErrNotExist), want: foundry.ExitFileNotFound},
		{name: "missing salt", err: fmt.Errorf("x: %w", core.ErrMissingSalt), want: foundry.ExitConfigInvalid},
		{name: "circuit open", err: core.ErrCircuitOpen, want: foundry.ExitExternalServiceUnavailable},
		{name: "config envelope", err: apperrors.NewConfigInvalidError("bad"), want: foundry.ExitConfigInvalid},
		{name: "other", err: fmt.Errorf("boom"), want: foundry.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestReadEnqueueFileAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resource: tariffs
endpoint: /v1/tariffs
period: 2025-01
priority: low
jobs:
  - subject: {category: supply_point, fields: [ES0021]}
  - subject_key: abc
    priority: high
    resource: market
`), 0o600))

	requests, err := readEnqueueFile(path)
	require.NoError(t, err)
	require.Len(t, requests, 2)

	assert.Equal(t, "tariffs", requests[0].Resource)
	assert.Equal(t, "low", requests[0].Priority)
	require.NotNil(t, requests[0].Subject)
	assert.Equal(t, []string{"ES0021"}, requests[0].Subject.Fields)

	assert.Equal(t, "market", requests[1].Resource)
	assert.Equal(t, "high", requests[1].Priority)
	assert.Equal(t, "2025-01", requests[1].Period)

	assert.True(t, needsAnonymizer(requests))
	assert.False(t, needsAnonymizer(requests[1:]))
}

func TestReadEnqueueFileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resource: tariffs\n"), 0o600))
	_, err := readEnqueueFile(path)
	require.Error(t, err)
}

func TestEnqueueRequestsFromFlags(t *testing.T) {
	t.Cleanup(func() {
		enqueueSubject, enqueueCategory, enqueueSubjectKey, enqueueFile = nil, "", "", ""
	})

	enqueueSubject = []string{"ACME"}
	_, err := enqueueRequests()
	require.Error(t, err)

	enqueueCategory = "client"
	enqueueSubjectKey = "abc"
	_, err = enqueueRequests()
	require.Error(t, err)

	enqueueSubjectKey = ""
	requests, err := enqueueRequests()
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "client", requests[0].Subject.Category)
}

func TestCheckResources(t *testing.T) {
	cfg := &config.Config{Resources: map[string]config.ResourceConfig{"tariffs": {}}}

	require.NoError(t, checkResources(cfg, []handlers.EnqueueRequest{{Resource: "Tariffs"}}))
	err := checkResources(cfg, []handlers.EnqueueRequest{{Resource: "weather"}})
	require.ErrorIs(t, err, core.ErrUnknownResource)
	assert.Contains(t, err.Error(), "tariffs")
	assert.Equal(t, foundry.ExitConfigInvalid, ExitCodeFor(err))
}

func TestChangedFlagsOnlyReportsExplicitValues(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	c.Flags().Int("port", 8080, "")
	c.Flags().String("host", "localhost", "")
	require.NoError(t, c.Flags().Set("port", "9999"))

	overrides := changedFlags(c, map[string]string{"port": "server.port", "host": "server.host"})
	assert.Equal(t, map[string]any{"server.port": "9999"}, overrides)
}

func TestRenderWritesSelectedFormat(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	addOutputFlags(c)
	require.NoError(t, c.Flags().Set("output-format", "json"))
	var buf bytes.Buffer
	c.SetOut(&buf)

	stats := core.JobStats{core.JobPending: 2}
	require.NoError(t, render(c, func(f output.Formatter) (string, error) {
		return f.FormatStats(stats)
	}))

	var decoded struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.Total)
}

func TestRenderToFile(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	addOutputFlags(c)
	path := filepath.Join(t.TempDir(), "out", "stats.md")
	require.NoError(t, c.Flags().Set("output-format", "markdown"))
	require.NoError(t, c.Flags().Set("out", path))

	require.NoError(t, render(c, func(f output.Formatter) (string, error) {
		return f.FormatStats(core.JobStats{})
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "| pending")
}

func memoryConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Queue: config.QueueConfig{BatchSize: 5, PollInterval: time.Second, MaxAttempts: 2, ClaimLease: time.Minute},
		Resources: map[string]config.ResourceConfig{
			"tariffs": {CallsPerMinute: 5, CallsPerHour: 50, MaxFailures: 2, Timeout: time.Second},
			"market":  {CallsPerMinute: 5, CallsPerHour: 50, MaxFailures: 2, Timeout: time.Second, Disabled: true},
		},
		Metrics: config.MetricsConfig{Namespace: "gridlens_test"},
		Workers: 2,
	}
}

func TestNewPipelineWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	p, err := newPipeline(ctx, memoryConfig(), zap.NewNop(), pipelineOptions{Engine: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NotNil(t, p.manager)
	require.NotNil(t, p.prom)
	assert.Nil(t, p.events)

	market, err := p.manager.Status("market")
	require.NoError(t, err)
	assert.Equal(t, core.APIDisabled, market.Status)

	result, err := p.queue.Enqueue(ctx, core.EnrichmentJob{
		Payload: core.Payload{Resource: "tariffs", Endpoint: "/x", SubjectKey: "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.Inserted, result)

	o := p.orchestrator()
	assert.Equal(t, 5, o.BatchSize)
	assert.Equal(t, 2, o.Workers)

	hm := handlers.NewHealthManager("test")
	registerHealthChecks(hm, p)
	rec := httptest.NewRecorder()
	hm.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewPipelineRequiresSalts(t *testing.T) {
	cfg := memoryConfig()
	cfg.Anonymizer = config.AnonymizerConfig{Required: []string{"client"}}

	_, err := newPipeline(context.Background(), cfg, nil, pipelineOptions{Anonymizer: true})
	require.ErrorIs(t, err, core.ErrMissingSalt)

	cfg.Anonymizer.Salts = map[string]string{"client": strings.Repeat("s", 32)}
	p, err := newPipeline(context.Background(), cfg, nil, pipelineOptions{Anonymizer: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	assert.NotNil(t, p.anonymizer)
}

func TestOpenJobStoreRejectsUnknownDriver(t *testing.T) {
	_, _, err := openJobStore(context.Background(), config.StoreConfig{Driver: "mongo"}, zap.NewNop())
	require.Error(t, err)
}

func TestCallServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/resources":
			_ = json.NewEncoder(w).Encode(handlers.ResourcesResponse{
				Resources: []core.ResourceStatus{{Name: "tariffs", Status: core.APIActive}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"resource not found: nope"}}`))
		}
	}))
	t.Cleanup(srv.Close)

	original := resourcesServer
	resourcesServer = srv.URL + "/"
	t.Cleanup(func() { resourcesServer = original })

	var resp handlers.ResourcesResponse
	require.NoError(t, callServer(context.Background(), http.MethodGet, "/v1/resources", &resp))
	require.Len(t, resp.Resources, 1)
	assert.Equal(t, "tariffs", resp.Resources[0].Name)

	var status core.ResourceStatus
	err := callServer(context.Background(), http.MethodPost, "/v1/resources/nope/disable", &status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestSaltGenerateWritesEnvLines(t *testing.T) {
	var buf bytes.Buffer
	saltGenerateCmd.SetOut(&buf)
	t.Cleanup(func() { saltGenerateCmd.SetOut(nil) })

	require.NoError(t, saltGenerateCmd.RunE(saltGenerateCmd, []string{"client"}))
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "GRIDLENS_ANONYMIZER_SALTS_CLIENT="), line)
	assert.Greater(t, len(line), len("GRIDLENS_ANONYMIZER_SALTS_CLIENT=")+16)
}

func TestWorkRequiresResources(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "gridlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 1\nstore:\n  driver: memory\n"), 0o600))

	prevFile, prevEnv := cfgFile, envFiles
	cfgFile, envFiles = path, []string{filepath.Join(dir, "missing.env")}
	t.Cleanup(func() { cfgFile, envFiles = prevFile, prevEnv })

	workCmd.SetContext(t.Context())
	err := workCmd.RunE(workCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resources configured")
	assert.Equal(t, foundry.ExitConfigInvalid, ExitCodeFor(err))
}
