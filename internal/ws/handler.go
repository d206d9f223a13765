package ws

import (
	"encoding/json"
	"net/http"
	"strconv"

	myMiddleware "rentsync/internal/middleware"
)

type NotifyRequest struct {
	UserID  ID              `json:"userId"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type BroadcastRequest struct {
	Message json.RawMessage `json:"message"`
	App     string          `json:"app,omitempty"`
}

// Handler exposes gateway delivery to REST callers. Responses never say
// whether the target was online.
type Handler struct {
	gateway *Gateway
}

func NewHandler(g *Gateway) *Handler {
	return &Handler{gateway: g}
}

func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Type == "" {
		http.Error(w, "userId and type are required", http.StatusBadRequest)
		return
	}

	n := Notification{Type: req.Type, Content: req.Content, Timestamp: h.gateway.now().UTC()}
	if from, _, ok := myMiddleware.UserFromContext(r.Context()); ok {
		n.From = strconv.Itoa(from)
	}
	h.gateway.SendDirect(string(req.UserID), n)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Message) == 0 {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	h.gateway.Broadcast(BroadcastMessage{Message: req.Message, Timestamp: h.gateway.now().UTC()}, req.App)
	w.WriteHeader(http.StatusAccepted)
}
