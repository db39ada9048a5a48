package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ecomassist/chat/internal/chat"
	"github.com/ecomassist/chat/internal/log"
)

// maxChatBodyBytes limits chat request bodies.
const maxChatBodyBytes = 1 << 20 // 1MB

// defaultHeartbeatInterval keeps idle SSE connections alive through proxies.
const defaultHeartbeatInterval = 20 * time.Second

// agentRunner is the agent surface the handlers need. *chat.Agent satisfies
// it; tests use a stub.
type agentRunner interface {
	Execute(ctx context.Context, sessionID, input string) (*chat.Response, error)
	ExecuteStream(ctx context.Context, sessionID, input string, emitter *chat.Emitter) (*chat.Response, error)
}

// chatRequest is the body of POST /chat and POST /chat/stream.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// chatHandler serves the chat endpoints.
//
// Endpoints:
//   - POST /chat        - synchronous chat (JSON request/response)
//   - POST /chat/stream - streaming chat (SSE)
type chatHandler struct {
	agent     agentRunner
	logger    log.Logger
	heartbeat time.Duration
}

// decodeChatRequest parses and validates the request body.
func (h *chatHandler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", h.logger)
		} else {
			writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		}
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "missing_message", "message is required", h.logger)
		return req, false
	}
	return req, true
}

// send handles POST /chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.agent.Execute(r.Context(), req.SessionID, req.Message)
	if err != nil {
		h.writeAgentError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp, h.logger)
}

// writeAgentError maps agent failures to HTTP statuses.
func (h *chatHandler) writeAgentError(w http.ResponseWriter, err error) {
	h.logger.Error("agent execution failed", "error", err)

	switch {
	case errors.Is(err, chat.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "model_unavailable", "the model is temporarily unavailable, try again shortly", h.logger)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "the request was canceled or timed out", h.logger)
	default:
		writeError(w, http.StatusInternalServerError, "execution_failed", "failed to process the message", h.logger)
	}
}

// stream handles POST /chat/stream.
//
// The agent runs in its own goroutine and reports through the emitter; this
// handler owns the connection, multiplexing emitter events with heartbeat
// comments so proxies do not cut idle streams.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", h.logger)
		return
	}

	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	emitter := chat.NewEmitter(ctx, 32)

	go func() {
		resp, err := h.agent.ExecuteStream(ctx, req.SessionID, req.Message, emitter)
		if err != nil {
			emitter.Fail(err)
			return
		}
		emitter.Done(resp)
	}()

	interval := h.heartbeat
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("client disconnected", "session_id", req.SessionID)
			return

		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-emitter.Events():
			if !open {
				return
			}
			if err := writeEvent(w, flusher, string(ev.Type), ev); err != nil {
				// Write failure usually means the connection closed.
				h.logger.Debug("writing SSE event", "error", err)
				return
			}
		}
	}
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent(w io.Writer, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
