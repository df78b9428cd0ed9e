package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/modules", func(r chi.Router) {
				r.Get("/", s.handleListModules)
				r.Get("/{name}", s.handleGetModule)
			})

			r.Route("/devices", func(r chi.Router) {
				r.Use(s.requireDeviceStore)
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleUpsertDevice)

				r.Route("/{mac}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Patch("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
				})
			})

			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           string            `json:"status"`
	GatewayID        string            `json:"gateway_id"`
	Version          string            `json:"version"`
	MQTTConnected    *bool             `json:"mqtt_connected,omitempty"`
	Checks           map[string]string `json:"checks,omitempty"`
	Modules          int               `json:"modules"`
	ModulesConnected int               `json:"modules_connected"`
	WebSocketClients int               `json:"websocket_clients"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
}

// healthCheckTimeout bounds each dependency probe of GET /health.
const healthCheckTimeout = 2 * time.Second

// handleHealth reports "ok", or "degraded" while the bus is down or a
// dependency check fails. It always answers 200 so probes can read the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		GatewayID:        s.gatewayID,
		Version:          s.version,
		WebSocketClients: s.hub.ClientCount(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
	}
	for _, m := range s.modules.Metrics() {
		resp.Modules++
		if m.Connected {
			resp.ModulesConnected++
		}
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTTConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		for name, c := range s.checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := c.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
