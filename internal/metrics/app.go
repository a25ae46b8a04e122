package metrics

import (
	"context"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/observability"
)

// Pipeline metrics following Prometheus conventions
var (
	// Queue metrics
	JobEventsTotal = "gridlens_job_events_total"
	QueueDepth     = "gridlens_queue_depth"

	// External call metrics
	CallsTotal       = "gridlens_api_calls_total"
	CallDuration     = "gridlens_api_call_duration_ms"
	RejectionsTotal  = "gridlens_api_rejections_total"
	CircuitOpenTotal = "gridlens_api_circuit_changes_total"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordJobEvent counts a job lifecycle event.
func RecordJobEvent(event core.EventType, resource string, count int) {
	if observability.TelemetrySystem == nil {
		return
	}
	if count <= 0 {
		count = 1
	}
	_ = observability.TelemetrySystem.Counter(
		JobEventsTotal,
		float64(count),
		map[string]string{
			"event":    string(event),
			"resource": resource,
		},
	)
}

// RecordCall records the outcome and latency of an external call.
func RecordCall(event core.Event) {
	if observability.TelemetrySystem == nil {
		return
	}

	outcome := "success"
	if event.Type == core.EventCallFailed {
		outcome = string(event.Kind)
	}
	_ = observability.TelemetrySystem.Counter(
		CallsTotal,
		1,
		map[string]string{
			"resource": event.Resource,
			"outcome":  outcome,
		},
	)
	_ = observability.TelemetrySystem.Histogram(
		CallDuration,
		event.Duration,
		map[string]string{
			"resource": event.Resource,
		},
	)
}

// RecordRejection counts a call refused by the rate limiter or breaker.
func RecordRejection(resource string, kind core.ErrorKind) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RejectionsTotal,
			1,
			map[string]string{
				"resource": resource,
				"kind":     string(kind),
			},
		)
	}
}

// RecordCircuitChange counts a breaker status transition.
func RecordCircuitChange(resource string, from, to core.APIStatus) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CircuitOpenTotal,
			1,
			map[string]string{
				"resource": resource,
				"from":     string(from),
				"to":       string(to),
			},
		)
	}
}

// SetQueueDepth records the number of jobs per status.
func SetQueueDepth(stats core.JobStats) {
	if observability.TelemetrySystem == nil {
		return
	}
	for _, status := range core.AllJobStatuses {
		_ = observability.TelemetrySystem.Gauge(
			QueueDepth,
			float64(stats[status]),
			map[string]string{"status": string(status)},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}

// TelemetrySink forwards pipeline events to the gofulmen telemetry system.
type TelemetrySink struct{}

func (TelemetrySink) Emit(_ context.Context, event core.Event) {
	switch event.Type {
	case core.EventCallSucceeded, core.EventCallFailed:
		RecordCall(event)
	case core.EventRejected:
		RecordRejection(event.Resource, event.Kind)
	case core.EventCircuitChange:
		RecordCircuitChange(event.Resource, event.From, event.To)
	default:
		RecordJobEvent(event.Type, event.Resource, event.Count)
	}
}
