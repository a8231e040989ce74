package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"classpulse-backend/internal/middleware"
	"classpulse-backend/internal/models"
	"classpulse-backend/internal/presence"
	"classpulse-backend/internal/repository"
	"classpulse-backend/internal/websocket"
)

type ActivityHandler struct {
	hub  *websocket.Hub
	agg  *presence.Aggregator
	repo *repository.ActivityRepo
}

func NewActivityHandler(hub *websocket.Hub, agg *presence.Aggregator, repo *repository.ActivityRepo) *ActivityHandler {
	return &ActivityHandler{hub: hub, agg: agg, repo: repo}
}

// Track is the REST fallback used by clients on page unload, when the
// realtime channel cannot be relied on. Fire-and-forget from the client's
// perspective; the response body is never read.
func (h *ActivityHandler) Track(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())

	var req models.TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if len(req.Activities) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "activities must not be empty", r))
		return
	}

	scopeID := r.URL.Query().Get("scope_id")
	h.hub.HandleEvents(scopeID, ident, req.Activities)

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Activities accepted"})
}

// Presence returns the live presence table for a scope, for dashboard
// bootstrap before the websocket delivers its first snapshot.
func (h *ActivityHandler) Presence(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	if scopeID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Missing scope ID", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope_id": scopeID,
		"users":    h.agg.ScopeSnapshot(scopeID),
	})
}

// Recent returns the newest persisted events for a scope.
func (h *ActivityHandler) Recent(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	if scopeID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Missing scope ID", r))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseLimit(v); err == nil {
			limit = n
		}
	}

	events, err := h.repo.ListRecentByScope(r.Context(), scopeID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list activities", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope_id":   scopeID,
		"activities": events,
	})
}
