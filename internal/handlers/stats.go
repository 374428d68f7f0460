package handlers

import (
	"net/http"
	"time"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	OnlineUsers   int    `json:"online_users"`
	TotalMessages int64  `json:"total_messages"`
	GeneratedAt   string `json:"generated_at"`
}

// Stats returns relay-wide counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	total, err := h.conversations.CountMessages(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to count messages")
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}
	h.logger.Debug().Dur("latency", time.Since(start)).Msg("counted messages")

	h.JSON(w, http.StatusOK, StatsResponse{
		OnlineUsers:   h.registry.Online(),
		TotalMessages: total,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	})
}
