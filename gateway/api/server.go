// Package api provides the HTTP surface of the gateway: the WebSocket
// endpoints and operational health/status routes. The product's REST API
// for rooms, memories, and auth lives in a separate service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/gateway/socket"
	"github.com/parleyhq/parley/gateway/store"
)

// Server is the HTTP server hosting the gateway endpoints.
type Server struct {
	store     store.Store
	gateway   *socket.Gateway
	logger    *slog.Logger
	mux       *chi.Mux
	version   string
	startTime time.Time
}

// NewServer creates a new Server and mounts its routes.
func NewServer(s store.Store, gw *socket.Gateway, version string, logger *slog.Logger) *Server {
	srv := &Server{
		store:     s,
		gateway:   gw,
		logger:    logger.With("component", "api"),
		version:   version,
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/api/status", srv.handleStatus)

	// WebSocket routes (auth handled inside)
	mux.Get("/ws", gw.HandleClientWS)
	mux.Get("/ws/runtime", gw.HandleRuntimeWS)

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	serverCount := 0
	if servers, err := s.store.ListServers(r.Context()); err == nil {
		serverCount = len(servers)
	} else {
		s.logger.Warn("server list failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.version,
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"connections": s.gateway.ConnectionCount(),
		"channels":    s.gateway.ChannelCount(),
		"servers":     serverCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
