package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/twinline-core/internal/auth"
)

// healthTimeout bounds each dependency probe of the health endpoint.
const healthTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.accessLog, s.cors, middleware.RequestSize(maxBodyBytes))

	// Prometheus scrape endpoint (no auth, same as the health check)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.require(auth.PermFleetRead)).Get("/system", s.handleSystem)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermFleetRead)).Get("/", s.handleListDevices)

				r.Route("/{name}", func(r chi.Router) {
					r.With(s.require(auth.PermFleetRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermFleetControl)).Post("/start", s.handleStartDevice)
					r.With(s.require(auth.PermFleetControl)).Post("/stop", s.handleStopDevice)
					r.With(s.require(auth.PermFleetRead)).Get("/twin", s.handleGetTwin)
					r.With(s.require(auth.PermTwinWrite)).Patch("/twin/desired", s.handlePatchDesired)
					r.With(s.require(auth.PermDeviceCommand)).Post("/commands/{method}", s.handleInvoke)
				})
			})

			r.With(s.require(auth.PermAlertsRead)).Get("/alerts/dead-letters", s.handleListDeadLetters)
			r.With(s.require(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status. Any failing dependency
// turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.health))
	status, code := "ok", http.StatusOK

	for name, hc := range s.health {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}
