package controllers

import (
	"net/http"
)

// Routes is implemented by every controller.
type Routes interface {
	RegisterRoutes(mux *http.ServeMux)
}

// ControllerRegistry manages all HTTP controllers. Only the controllers a
// process has backing state for are registered: a consumer serves pool
// status, a broker serves its destinations.
type ControllerRegistry struct {
	controllers []Routes
}

// NewControllerRegistry creates a registry holding the general controller.
func NewControllerRegistry(general *GeneralController) *ControllerRegistry {
	return &ControllerRegistry{controllers: []Routes{general}}
}

// Add registers another controller.
func (r *ControllerRegistry) Add(c Routes) {
	r.controllers = append(r.controllers, c)
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	for _, c := range r.controllers {
		c.RegisterRoutes(mux)
	}
}
