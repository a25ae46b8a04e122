package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// requestSample is one completed request.
type requestSample struct {
	method        string
	endpoint      string
	status        int
	duration      time.Duration
	requestBytes  int64
	responseBytes int64
}

func (s requestSample) labels() map[string]string {
	return map[string]string{
		"method":   s.method,
		"endpoint": s.endpoint,
		"status":   strconv.Itoa(s.status),
	}
}

// errorClass returns client_error, server_error or "" for successes.
func (s requestSample) errorClass() string {
	switch {
	case s.status >= 500:
		return "server_error"
	case s.status >= 400:
		return "client_error"
	default:
		return ""
	}
}

// background reports requests from health checkers and scrapers, which are
// logged at debug level.
func (s requestSample) background() bool {
	return strings.HasPrefix(s.endpoint, "/health") || strings.HasPrefix(s.endpoint, "/metrics")
}

func (s requestSample) emit() {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	labels := s.labels()
	_ = sys.Counter("http_requests_total", 1, labels)
	_ = sys.Histogram("http_request_duration_ms", s.duration, labels)

	sizeLabels := map[string]string{"method": s.method, "endpoint": s.endpoint}
	_ = sys.Gauge("http_request_size_bytes", float64(s.requestBytes), sizeLabels)
	_ = sys.Gauge("http_response_size_bytes", float64(s.responseBytes), sizeLabels)

	if class := s.errorClass(); class != "" {
		labels["error_type"] = class
		_ = sys.Counter("http_errors_total", 1, labels)
	}
}

// EndpointPattern returns the chi route pattern, or a coarse bucket for
// unmatched paths so label cardinality stays bounded.
func EndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/health"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/metrics/pipeline", path == "/":
		return path
	case strings.HasPrefix(path, "/v1/resources"):
		return "/v1/resources/*"
	case strings.HasPrefix(path, "/v1/jobs"):
		return "/v1/jobs/*"
	default:
		return "/unknown"
	}
}

// RequestMetrics records telemetry for every request and logs it with its
// request ID.
func RequestMetrics(logger observability.Logger) func(http.Handler) http.Handler {
	logger = observability.LoggerOrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			sample := requestSample{
				method:        r.Method,
				endpoint:      EndpointPattern(r),
				status:        rec.status,
				duration:      time.Since(start),
				requestBytes:  max(r.ContentLength, 0),
				responseBytes: rec.bytes,
			}
			sample.emit()

			log := logger.Info
			if sample.background() && sample.status < 500 {
				log = logger.Debug
			}
			log("HTTP request completed",
				zap.String("method", sample.method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", sample.endpoint),
				zap.Int("status", sample.status),
				zap.Duration("duration", sample.duration),
				zap.Int64("response_size", sample.responseBytes),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}
