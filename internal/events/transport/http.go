// Package transport serves the append-only event feed for off-chain indexers.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/veriflow/veriflow/internal/storage"
)

// Handler handles HTTP requests for the event feed.
type Handler struct {
	store storage.EventStore
}

// NewHandler creates a new events HTTP handler.
func NewHandler(store storage.EventStore) *Handler {
	return &Handler{store: store}
}

// RegisterReadRoutes registers the feed route (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
}

// handleList streams feed entries after a sequence number. Indexers poll
// with ?after=<last seen seq>.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var after int64
	if a := r.URL.Query().Get("after"); a != "" {
		parsed, err := strconv.ParseInt(a, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid after cursor")
			return
		}
		after = parsed
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	events, err := h.store.ListEvents(r.Context(), storage.EventFilter{
		After: after,
		Type:  r.URL.Query().Get("type"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list events")
		return
	}

	data := make([]map[string]any, len(events))
	for i, e := range events {
		data[i] = map[string]any{
			"seq":       e.Seq,
			"type":      e.Type,
			"payload":   e.Payload,
			"createdAt": e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": data})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
