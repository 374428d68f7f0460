package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	conversations store.ConversationStore
	queue         store.OfflineQueue
	registry      *presence.Registry
	logger        zerolog.Logger

	// historyStrict turns conversation store failures into 503 instead of
	// an empty list.
	historyStrict bool
}

// NewHandler creates a new Handler with the given stores.
func NewHandler(conversations store.ConversationStore, queue store.OfflineQueue, registry *presence.Registry, logger zerolog.Logger, historyStrict bool) *Handler {
	return &Handler{
		conversations: conversations,
		queue:         queue,
		registry:      registry,
		logger:        logger.With().Str("component", "http").Logger(),
		historyStrict: historyStrict,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
