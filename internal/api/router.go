package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// healthCheckTimeout bounds the dependency checks behind /api/v1/health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimiddleware.RequestID,
		echoRequestID,
		s.accessLog,
		s.recoverJSON,
		s.cors,
		chimiddleware.RequestSize(maxRequestBodySize),
	)

	r.Get("/", s.handleRoot)

	// Relay webhook. OPTIONS preflight is answered by the CORS middleware.
	r.Group(func(r chi.Router) {
		r.Use(s.webhookAuth)
		r.Post("/webhook", s.handleWebhook)
	})

	r.Get(s.wsPath(), s.handleWebSocket)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		if s.devices != nil {
			r.Group(func(r chi.Router) {
				r.Use(s.webhookAuth)

				r.Post("/gateways", s.handleCreateGateway)
				r.Get("/gateways/{id}", s.handleGetGateway)
				r.Get("/gateways/{id}/devices", s.handleListGatewayDevices)

				r.Post("/devices", s.handleCreateDevice)
				r.Get("/devices/{id}", s.handleGetDevice)
				r.Get("/devices/{id}/telemetry", s.handleListReadings)

				if s.attempts != nil {
					r.Get("/registrations", s.handleListAttempts)
				}
			})
		}
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path != "" {
		return s.wsCfg.Path
	}
	return "/ws"
}

// handleRoot answers the bare liveness check the relay uses.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("api")) //nolint:errcheck // Best-effort write
}

// handleHealth returns the server health status. A failing database makes
// the gateway unhealthy; a disconnected MQTT broker only degrades it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := map[string]string{}

	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if s.mqtt != nil {
		if s.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if code == http.StatusOK {
				status = "degraded"
			}
		}
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}
