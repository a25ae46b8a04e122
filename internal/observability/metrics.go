package observability

import (
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

// DefaultMetricsPort is used when the exporter address cannot be resolved.
const DefaultMetricsPort = 9090

var (
	// TelemetrySystem receives HTTP and pipeline counters. Nil disables emission.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves TelemetrySystem in Prometheus text format.
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// InitMetrics starts the gofulmen Prometheus exporter on port (0 picks a free
// port) and installs a telemetry system that emits through it. Metric names
// are prefixed with namespace, or serviceName when namespace is empty.
func InitMetrics(serviceName string, port int, namespace string) error {
	if port < 0 {
		port = 0
	}
	metricsPort = port

	prefix := namespace
	if prefix == "" {
		prefix = serviceName
	}

	exporter := exporters.NewPrometheusExporter(prefix, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start metrics exporter: %w", err)
	}

	switch actual, err := resolvePort(exporter.GetAddr()); {
	case err == nil:
		metricsPort = actual
	case port == 0:
		metricsPort = DefaultMetricsPort
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		return fmt.Errorf("create telemetry system: %w", err)
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	return nil
}

// UseTelemetry swaps the global telemetry system and returns a function that
// restores the previous one.
func UseTelemetry(sys *telemetry.System) (restore func()) {
	previous := TelemetrySystem
	TelemetrySystem = sys
	return func() { TelemetrySystem = previous }
}

// GetMetricsPort returns the port the exporter is listening on.
func GetMetricsPort() int {
	return metricsPort
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
