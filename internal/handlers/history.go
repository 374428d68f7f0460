package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/relay/internal/api/middleware"
	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
)

// GetConversation returns every message between the authenticated identity
// and the contact in the path, oldest first.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetIdentityFromContext(r.Context())
	if me == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	contact := strings.TrimSpace(chi.URLParam(r, "contact"))
	if contact == "" {
		h.Error(w, http.StatusBadRequest, "contact is required")
		return
	}

	start := time.Now()
	messages, err := h.conversations.Conversation(r.Context(), me, contact)
	metrics.StoreLatency.WithLabelValues("conversation").Observe(time.Since(start).Seconds())
	h.writeMessages(w, messages, err, "contact", contact)
}

// GetHistory returns every message sent to or from the authenticated
// identity, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetIdentityFromContext(r.Context())
	if me == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	start := time.Now()
	messages, err := h.conversations.History(r.Context(), me)
	metrics.StoreLatency.WithLabelValues("history").Observe(time.Since(start).Seconds())
	h.writeMessages(w, messages, err, "identity", me)
}

// writeMessages answers a history query. Store failures are logged and, unless
// strict mode is on, reported as an empty result so the read path stays up.
func (h *Handler) writeMessages(w http.ResponseWriter, messages []models.Message, err error, key, value string) {
	if err != nil {
		h.logger.Error().Err(err).Str(key, value).Msg("failed to load conversation history")
		if h.historyStrict {
			h.Error(w, http.StatusServiceUnavailable, "history temporarily unavailable")
			return
		}
		messages = nil
	}
	if messages == nil {
		messages = []models.Message{}
	}
	h.JSON(w, http.StatusOK, messages)
}
