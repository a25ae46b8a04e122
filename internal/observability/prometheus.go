package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridlens/gridlens/internal/core"
)

// breakerStates lists every status exported by the resource_status gauge.
var breakerStates = []core.APIStatus{core.APIActive, core.APIRateLimited, core.APIError, core.APIDisabled}

// PrometheusSink turns pipeline events into Prometheus series on its own
// registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	jobs       *prometheus.CounterVec
	calls      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	status     *prometheus.GaugeVec
}

// NewPrometheusSink registers the pipeline collectors under namespace.
func NewPrometheusSink(namespace string) (*PrometheusSink, error) {
	if namespace == "" {
		namespace = "gridlens"
	}

	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),

		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_events_total",
			Help:      "Job lifecycle events by type, resource and priority",
		}, []string{"event", "resource", "priority"}),

		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "calls_total",
			Help:      "External calls by resource and outcome",
		}, []string{"resource", "outcome"}),

		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rejections_total",
			Help:      "Calls refused by the rate limiter or circuit breaker",
		}, []string{"resource", "kind"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "call_duration_seconds",
			Help:      "External call latency by resource",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),

		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "resource_status",
			Help:      "Current breaker status (1 for the active state of each resource)",
		}, []string{"resource", "status"}),
	}

	for _, collector := range []prometheus.Collector{s.jobs, s.calls, s.rejections, s.latency, s.status} {
		if err := s.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry exposes the underlying registry.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// SetStatus records the current status of resource, zeroing the others.
func (s *PrometheusSink) SetStatus(resource string, current core.APIStatus) {
	for _, state := range breakerStates {
		value := 0.0
		if state == current {
			value = 1
		}
		s.status.WithLabelValues(resource, string(state)).Set(value)
	}
}

func (s *PrometheusSink) Emit(_ context.Context, event core.Event) {
	switch event.Type {
	case core.EventCallSucceeded:
		s.calls.WithLabelValues(event.Resource, "success").Inc()
		s.latency.WithLabelValues(event.Resource).Observe(event.Duration.Seconds())
	case core.EventCallFailed:
		s.calls.WithLabelValues(event.Resource, string(event.Kind)).Inc()
		s.latency.WithLabelValues(event.Resource).Observe(event.Duration.Seconds())
	case core.EventRejected:
		s.rejections.WithLabelValues(event.Resource, string(event.Kind)).Inc()
	case core.EventCircuitChange:
		s.SetStatus(event.Resource, event.To)
	case core.EventClaimed, core.EventRequeued:
		s.jobs.WithLabelValues(string(event.Type), event.Resource, "").Add(float64(event.Count))
	default:
		s.jobs.WithLabelValues(string(event.Type), event.Resource, event.Priority.String()).Inc()
	}
}
