package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"couchsync/internal/auth"
	"couchsync/internal/catalog"
	"couchsync/internal/hub"
)

// Handler carries the dependencies the HTTP endpoints need.
type Handler struct {
	sessions *auth.SessionManager
	catalog  *catalog.Catalog
	hub      *hub.Hub
	logger   *slog.Logger
	started  time.Time
}

// NewHandler wires the endpoint dependencies together.
func NewHandler(sessions *auth.SessionManager, cat *catalog.Catalog, h *hub.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		catalog:  cat,
		hub:      h,
		logger:   logger,
		started:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type validateSessionRequest struct {
	Token string `json:"token"`
}

type validateSessionResponse struct {
	Valid bool      `json:"valid"`
	Role  auth.Role `json:"role,omitempty"`
	Name  string    `json:"name,omitempty"`
	Error string    `json:"error,omitempty"`
}

// ValidateSession lets the frontend check a stored token before opening the
// WebSocket.
func (h *Handler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, validateSessionResponse{Valid: false, Error: "method not allowed"})
		return
	}
	var req validateSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, validateSessionResponse{Valid: false, Error: "malformed request body"})
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, validateSessionResponse{Valid: false, Error: "token is required"})
		return
	}
	record, ok, err := h.sessions.Validate(token)
	if err != nil {
		h.logger.Error("session validation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, validateSessionResponse{Valid: false, Error: "session store unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, validateSessionResponse{Valid: false, Error: "invalid or expired session"})
		return
	}
	writeJSON(w, http.StatusOK, validateSessionResponse{Valid: true, Role: record.Role, Name: record.Name})
}

// Video serves HLS artifacts: /video/<stream>/<subpath...>. Every path is
// resolved by the catalog, which confines lookups to the processed directory.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/video/")
	streamName, subpath, found := strings.Cut(rest, "/")
	if !found || streamName == "" || subpath == "" {
		http.Error(w, "malformed video path", http.StatusBadRequest)
		return
	}
	file, contentType, err := h.catalog.Open(streamName, subpath)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrBadPath):
			http.Error(w, "malformed video path", http.StatusBadRequest)
		case errors.Is(err, catalog.ErrOutsideRoot):
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.Is(err, catalog.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			h.logger.Error("video open failed", "stream", streamName, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, file); err != nil {
		h.logger.Debug("video copy aborted", "stream", streamName, "error", err)
	}
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Health reports liveness and process uptime.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
	})
}
