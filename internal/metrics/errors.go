package metrics

import (
	"strconv"

	"github.com/gridlens/gridlens/internal/observability"
)

const (
	HTTPErrorsTotal = "gridlens_http_error_responses_total"
	PanicsTotal     = "gridlens_panics_total"
)

// RecordHTTPError counts an error envelope written to a client. endpoint
// must be a route pattern, not a raw path.
func RecordHTTPError(endpoint, code string, status int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(HTTPErrorsTotal, 1, map[string]string{
		"endpoint":    endpoint,
		"error_code":  code,
		"http_status": strconv.Itoa(status),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(PanicsTotal, 1, nil)
}
