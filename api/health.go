package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthHandler serves liveness and version endpoints.
type HealthHandler struct {
	logger  *zap.Logger
	started time.Time
}

// NewHealthHandler creates the health endpoint handler.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, started: time.Now()}
}

// HandleHealthz answers GET /healthz.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleVersion answers GET /version with build information.
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
