package api

import (
	"net/http"
)

// HandleHealth reports broker liveness and store connectivity.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"live_sessions": h.registry.Count(),
	})
}
