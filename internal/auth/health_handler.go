// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"net/http"
	"time"
)

// CheckHealth handles GET /health -- pings the store backend and reports the
// manager state. Returns 200 if the store is reachable, 503 otherwise.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			logError(r, "store health check failed", "error", err)
			storeStatus = "error"
		}
	}

	status := http.StatusOK
	if storeStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Store   string `json:"store"`
		Session string `json:"session"`
	}{storeStatus, h.Sessions.Snapshot().State.String()})
}
