package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/gridlens/gridlens/internal/errors"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)

	s.router.Get("/metrics", MetricsHandler)
	s.router.Get("/metrics/pipeline", s.pipelineMetrics)

	if api := s.opts.API; api != nil {
		s.router.Route("/v1", func(r chi.Router) {
			r.Get("/resources", api.ListResources)
			r.Get("/resources/{name}", api.GetResource)
			r.Post("/resources/{name}/disable", api.DisableResource)
			r.Post("/resources/{name}/enable", api.EnableResource)

			r.Get("/jobs", api.ListJobs)
			r.Post("/jobs", api.EnqueueJob)
			r.Get("/jobs/stats", api.JobStats)
		})
	}

	s.registerAdminEndpoint()
}

func (s *Server) pipelineMetrics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Pipeline == nil {
		HandleError(w, r, apperrors.NewServiceUnavailableError("Pipeline metrics not enabled"))
		return
	}
	s.opts.Pipeline.ServeHTTP(w, r)
}

// registerAdminEndpoint registers POST /admin/signal when an admin token is set.
func (s *Server) registerAdminEndpoint() {
	if s.opts.AdminToken == "" {
		s.logger.Debug("Admin signal endpoint disabled (no admin token set)")
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	s.logger.Info("Admin signal endpoint enabled",
		zap.String("path", "/admin/signal"),
		zap.String("rate_limit", "10/min, burst 5"))
	s.logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
}
