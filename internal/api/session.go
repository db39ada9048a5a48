package api

import (
	"errors"
	"net/http"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/session"
)

// sessionHandler serves session inspection and lifecycle endpoints.
//
// Endpoints:
//   - GET    /sessions/{id}/history - full turn history
//   - DELETE /sessions/{id}/history - clear history, keep the session
//   - DELETE /sessions/{id}         - delete the session
type sessionHandler struct {
	store  *session.Store
	logger log.Logger
}

// historyResponse is the body of GET /sessions/{id}/history.
type historyResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []session.Turn `json:"turns"`
}

func (h *sessionHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	turns, err := h.store.History(id, 0)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist or has expired", h.logger)
			return
		}
		h.logger.Error("loading session history", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "history_failed", "failed to load history", h.logger)
		return
	}

	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Turns: turns}, h.logger)
}

func (h *sessionHandler) clearHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.store.ClearHistory(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist or has expired", h.logger)
			return
		}
		h.logger.Error("clearing session history", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "clear_failed", "failed to clear history", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.store.Delete(id) {
		writeError(w, http.StatusNotFound, "session_not_found", "session does not exist or has expired", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
