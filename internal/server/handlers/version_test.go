package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionHandlerReportsBuildInfo(t *testing.T) {
	original := build
	t.Cleanup(func() { build = original })
	SetVersionInfo("1.2.3", "abcd123", "2025-11-07T12:00:00Z")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "gridlens", resp.App.Name)
	assert.Equal(t, "1.2.3", resp.App.Version)
	assert.Equal(t, "abcd123", resp.App.Commit)
	assert.Equal(t, APIVersion, resp.API)
	assert.NotEmpty(t, resp.Dependencies["gofulmen"])
	assert.NotEmpty(t, resp.Dependencies["crucible"])
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}
