package api

import (
	"net/http"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/session"
	"github.com/ecomassist/chat/internal/tools"
)

// healthResponse is the body of GET /health.
//
// Status is "ok" when every tool service completed its last discovery and
// "degraded" otherwise. The service stays up either way; with no tools the
// assistant falls back to general answers.
type healthResponse struct {
	Status         string                           `json:"status"`
	Model          string                           `json:"model"`
	ActiveSessions int                              `json:"active_sessions"`
	ToolCount      int                              `json:"tool_count"`
	Services       map[string]tools.ServiceStatus   `json:"services"`
}

// healthHandler reports service health for probes and dashboards.
type healthHandler struct {
	registry *tools.Registry
	sessions *session.Store
	model    string
	logger   log.Logger
}

func (h *healthHandler) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !h.registry.Healthy() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         status,
		Model:          h.model,
		ActiveSessions: h.sessions.ActiveCount(),
		ToolCount:      h.registry.Count(),
		Services:       h.registry.Status(),
	}, h.logger)
}
