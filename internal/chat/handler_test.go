package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHistory struct {
	msgs []*Message
	err  error
	got  string
}

func (s *stubHistory) RecentMessages(_ context.Context, chatID string) ([]*Message, error) {
	s.got = chatID
	return s.msgs, s.err
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/api/chats/{chatID}/messages", h.GetChatHistory)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGetChatHistoryOldestFirst(t *testing.T) {
	history := &stubHistory{msgs: []*Message{
		{ID: 3, Body: json.RawMessage(`"third"`)},
		{ID: 2, Body: json.RawMessage(`"second"`)},
		{ID: 1, Body: json.RawMessage(`"first"`)},
	}}

	w := serve(NewHandler(history), "/api/chats/chat123/messages")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "chat123", history.got)

	var got []Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestGetChatHistoryStoreError(t *testing.T) {
	w := serve(NewHandler(&stubHistory{err: errors.New("down")}), "/api/chats/c/messages")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
