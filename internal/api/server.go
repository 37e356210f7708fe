// Package api exposes the conversation runtime over HTTP.
//
// All endpoints speak JSON. Errors use a uniform envelope with a stable
// machine-readable code. Callers identify owners explicitly in the request;
// authentication is expected to happen at the gateway in front of this
// service.
package api

import (
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyline/parley/internal/agent"
	"github.com/parleyline/parley/internal/knowledge"
	logpkg "github.com/parleyline/parley/internal/log"
	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/settings"
	"github.com/parleyline/parley/internal/thread"
)

// ServerConfig carries the dependencies for NewServer.
type ServerConfig struct {
	Logger       logpkg.Logger
	Orchestrator *agent.Orchestrator
	Knowledge    *knowledge.Store
	Settings     *settings.Store
	Threads      *thread.Store
	Messages     *memory.Store
	Pool         *pgxpool.Pool

	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string

	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server routes HTTP requests to the conversation runtime.
type Server struct {
	cfg     ServerConfig
	logger  logpkg.Logger
	mux     *http.ServeMux
	limiter *rateLimiter
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("orchestrator is required")
	case cfg.Knowledge == nil:
		return nil, fmt.Errorf("knowledge store is required")
	case cfg.Settings == nil:
		return nil, fmt.Errorf("settings store is required")
	case cfg.Threads == nil:
		return nil, fmt.Errorf("thread store is required")
	case cfg.Messages == nil:
		return nil, fmt.Errorf("message store is required")
	case cfg.Pool == nil:
		return nil, fmt.Errorf("database pool is required")
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = newRateLimiter(cfg.RateLimit, burst)
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)

	s.mux.HandleFunc("POST /api/v1/turns", s.handleTurn)

	s.mux.HandleFunc("POST /api/v1/documents", s.handleIngestDocument)
	s.mux.HandleFunc("GET /api/v1/documents", s.handleListDocuments)
	s.mux.HandleFunc("DELETE /api/v1/documents/{id}", s.handleDeleteDocument)

	s.mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/v1/settings", s.handlePutSettings)
	s.mux.HandleFunc("DELETE /api/v1/settings", s.handleDeleteSettings)

	s.mux.HandleFunc("GET /api/v1/threads", s.handleListThreads)
	s.mux.HandleFunc("GET /api/v1/threads/{id}/stats", s.handleThreadStats)
	s.mux.HandleFunc("DELETE /api/v1/threads/{id}", s.handleDeleteThread)
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = rateLimitMiddleware(s.limiter, h)
	}
	if len(s.cfg.CORSOrigins) > 0 {
		h = corsMiddleware(s.cfg.CORSOrigins, h)
	}
	h = loggingMiddleware(s.logger, h)
	h = requestIDMiddleware(h)
	h = recoveryMiddleware(s.logger, h)
	return h
}
