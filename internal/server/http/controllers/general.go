package controllers

import (
	"context"
	"net/http"
)

// HealthChecker reports whether the process can serve.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// GeneralController handles health and metrics endpoints.
type GeneralController struct {
	health  HealthChecker
	metrics http.Handler
}

// NewGeneralController creates a general controller. A nil health checker
// always reports ok; a nil metrics handler leaves /metrics unregistered.
func NewGeneralController(health HealthChecker, metrics http.Handler) *GeneralController {
	return &GeneralController{health: health, metrics: metrics}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	if c.metrics != nil {
		mux.Handle("/metrics", c.metrics)
	}
}

// handleHealth returns 200 OK with {"status": "ok"} if healthy, 503 Service
// Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if c.health != nil {
		if err := c.health.CheckHealth(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
