package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"livetrack/internal/domain/geo"
)

// HistoryReader serves archived positions for the inspection API. Optional.
type HistoryReader interface {
	Recent(ctx context.Context, entityID int64, limit int) ([]geo.LocationSample, error)
}

// API is the plain-HTTP side of the backend: health and session inspection.
type API struct {
	logger  *slog.Logger
	hub     *Hub
	history HistoryReader
	started time.Time
}

func NewAPI(logger *slog.Logger, hub *Hub, history HistoryReader) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, hub: hub, history: history, started: time.Now()}
}

// Register wires the API routes onto mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	mux.HandleFunc("GET /sessions/{entity_id}/history", a.handleHistory)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(a.started).Seconds()),
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": a.hub.Sessions(),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		http.Error(w, "history is not enabled", http.StatusNotImplemented)
		return
	}
	entityID, err := strconv.ParseInt(r.PathValue("entity_id"), 10, 64)
	if err != nil {
		http.Error(w, "bad entity id", http.StatusBadRequest)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	samples, err := a.history.Recent(r.Context(), entityID, limit)
	if err != nil {
		a.logger.Error("history query failed", "action", "history_query_failed",
			"entity_id", entityID, "error", err.Error())
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"samples":   samples,
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("response encode failed", "action", "response_encode_failed", "error", err.Error())
	}
}
