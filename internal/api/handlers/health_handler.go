package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/skiff-cloud/engine/internal/api/types"
)

// ReadinessChecker reports whether a dependency is reachable.
type ReadinessChecker func() error

type HealthHandler struct {
	checks map[string]ReadinessChecker
}

func NewHealthHandler(checks map[string]ReadinessChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check(); err != nil {
			results[name] = err.Error()
			ready = false
		} else {
			results[name] = "ok"
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, types.APIResponse{Success: ready, Data: results})
}
