package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"backchannel/internal/room"
	"backchannel/internal/session"
	"backchannel/internal/store/storetest"
)

func newTestServer(t *testing.T) (*Server, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	registry := session.NewRegistry(st, nil)
	rooms := room.NewManager(st)
	return NewServer(st, registry, rooms), st
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
}

func TestHealth_DegradedOnStoreFailure(t *testing.T) {
	server, st := newTestServer(t)
	st.FailWith["HealthCheck"] = errors.New("database gone")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, key := range []string{"total_connections", "bound_identities", "active_rooms", "subscriptions"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("missing counter %q in %v", key, stats)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
