// Package api exposes the operational HTTP surface: health and runtime
// counters. Chat traffic never flows through here; it lives entirely on
// the WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"backchannel/internal/room"
	"backchannel/internal/session"
	"backchannel/pkg/interfaces"
)

type Server struct {
	store    interfaces.Store
	registry *session.Registry
	rooms    *room.Manager
	router   *mux.Router
}

func NewServer(store interfaces.Store, registry *session.Registry, rooms *room.Manager) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		rooms:    rooms,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Use(jsonMiddleware)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports overall liveness. A failing database ping degrades
// the status to 503 so load balancers stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		log.Printf("Health check failed: %v", err)
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats exposes live connection and room counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int)
	for k, v := range s.registry.Stats() {
		stats[k] = v
	}
	for k, v := range s.rooms.Stats() {
		stats[k] = v
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
