package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/session"
	"github.com/ecomassist/chat/internal/tools"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger       log.Logger
	Agent        agentRunner     // Required
	SessionStore *session.Store  // Required
	Registry     *tools.Registry // Required
	ModelName    string          // Reported by /health

	CORSOrigins []string // Allowed origins for CORS
	TrustProxy  bool     // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst   int      // Rate limiter burst size per IP (0 = default 60)

	HeartbeatInterval time.Duration // SSE heartbeat (0 = default 20s)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("agent is required")
	}
	if cfg.SessionStore == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("tool registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ch := &chatHandler{
		agent:     cfg.Agent,
		logger:    logger,
		heartbeat: cfg.HeartbeatInterval,
	}
	sh := &sessionHandler{store: cfg.SessionStore, logger: logger}
	hh := &healthHandler{
		registry: cfg.Registry,
		sessions: cfg.SessionStore,
		model:    cfg.ModelName,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", ch.send)
	mux.HandleFunc("POST /chat/stream", ch.stream)
	mux.HandleFunc("GET /sessions/{id}/history", sh.getHistory)
	mux.HandleFunc("DELETE /sessions/{id}/history", sh.clearHistory)
	mux.HandleFunc("DELETE /sessions/{id}", sh.deleteSession)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery -> RequestID -> Logging -> CORS -> RateLimit -> Routes
	// RequestID must precede Logging so request_id is available in log
	// attributes. CORS must precede RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health bypasses the middleware stack: probes should not be rate
	// limited or logged per hit.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", hh.health)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
