package controllers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// GeneralController serves the health endpoint.
type GeneralController struct {
	checks []HealthCheck
}

// NewGeneralController creates a controller running checks in order.
func NewGeneralController(checks ...HealthCheck) *GeneralController {
	return &GeneralController{checks: checks}
}

// RegisterRoutes registers general routes with the given router.
func (c *GeneralController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/healthz", c.handleHealth).Methods(http.MethodGet)
}

// handleHealth returns 200 {"status": "ok"} when every check passes and
// 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, check := range c.checks {
		if err := check(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_serving")
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
