// Package api is the HTTP transport for availability, booking and the live
// availability stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/notify"
)

type RouterConfig struct {
	Service  *appointment.Service
	Resolver *appointment.Resolver
	Changes  notify.Subscriber
	Auth     *Authenticator
	Metrics  *metrics.Collector
	Health   *HealthHandler
	Logger   zerolog.Logger

	// Heartbeat is the idle interval between stream heartbeats.
	Heartbeat time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := &Handler{
		svc:       cfg.Service,
		resolver:  cfg.Resolver,
		changes:   cfg.Changes,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		heartbeat: cfg.Heartbeat,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler("", "")
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Get("/availability", h.getAvailability)
		r.Get("/availability/stream", h.streamAvailability)
		r.Get("/providers", h.listProviders)

		r.Post("/appointments", h.bookAppointment)
		r.Get("/appointments/by-code/{code}", h.lookupByCode)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)
		r.Post("/appointments/{id}/reschedule", h.rescheduleAppointment)

		r.Group(func(r chi.Router) {
			r.Use(RequireStaff)
			r.Get("/appointments/{id}", h.getAppointment)
			r.Post("/appointments/{id}/confirm", h.confirmAppointment)
			r.Post("/appointments/{id}/complete", h.completeAppointment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}
