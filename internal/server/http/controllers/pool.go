package controllers

import (
	"net/http"

	"github.com/rzbill/reactor/internal/pool"
)

// PoolSource exposes the consumer pool state.
type PoolSource interface {
	Status() pool.Status
}

// PoolController serves the consumer pool snapshot.
type PoolController struct {
	src PoolSource
}

func NewPoolController(src PoolSource) *PoolController {
	return &PoolController{src: src}
}

// RegisterRoutes registers GET /v1/pool.
func (c *PoolController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/pool", c.handleStatus)
}

func (c *PoolController) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, c.src.Status())
}
