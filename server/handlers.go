// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nazarein/streamwatch/broadcast"
	"github.com/nazarein/streamwatch/config"
	"github.com/nazarein/streamwatch/credstore"
	"github.com/nazarein/streamwatch/monitor"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db   *sql.DB
	cfg  *config.Config
	mon  *monitor.Monitor
	hub  *broadcast.Hub
	cred *credstore.Store

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, cfg *config.Config, mon *monitor.Monitor, hub *broadcast.Hub, cred *credstore.Store) *Handlers {
	return &Handlers{
		db:         db,
		cfg:        cfg,
		mon:        mon,
		hub:        hub,
		cred:       cred,
		stateStore: make(map[string]time.Time),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, monitor.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, monitor.ErrInvalidUsername), errors.Is(err, monitor.ErrInvalidResolution):
		status = http.StatusBadRequest
	case errors.Is(err, credstore.ErrUnauthenticated):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleStreamers serves the collection: GET lists, POST registers.
func (h *Handlers) HandleStreamers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"streamers": h.mon.List()})
	case http.MethodPost:
		var body struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		s, err := h.mon.Add(r.Context(), body.Username)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStreamersDispatcher routes /streamers/{name} and its subresources.
func (h *Handlers) HandleStreamersDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streamers/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	name := parts[0]
	if name == "" {
		http.NotFound(w, r)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s, err := h.mon.Get(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	case sub == "" && r.Method == http.MethodDelete:
		if err := h.mon.Remove(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "username": strings.ToLower(name)})
	case sub == "settings" && r.Method == http.MethodPatch:
		var req monitor.UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		s, err := h.mon.UpdateSettings(r.Context(), name, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleDiagnostics returns the aggregated component report.
func (h *Handlers) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.mon.Diagnostics(r.Context()))
}

// HandleReconnect forces a fresh EventSub connection.
func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mon.RequestReconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// Refuse to grow past the cap; failing one OAuth flow beats memory
	// exhaustion.
	if len(h.stateStore) >= maxOAuthStates {
		return
	}

	h.stateStore[state] = expiry
}

func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok || time.Now().After(exp) {
		return false
	}
	delete(h.stateStore, state)
	return true
}
