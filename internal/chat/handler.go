package chat

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type History interface {
	RecentMessages(ctx context.Context, chatID string) ([]*Message, error)
}

type Handler struct {
	history History
}

func NewHandler(history History) *Handler {
	return &Handler{history: history}
}

// GetChatHistory serves GET /api/chats/{chatID}/messages, oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		http.Error(w, "missing chat id", http.StatusBadRequest)
		return
	}

	msgs, err := h.history.RecentMessages(r.Context(), chatID)
	if err != nil {
		http.Error(w, "could not load history", http.StatusInternalServerError)
		return
	}

	out := make([]*Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
