package chat

import (
	"encoding/json"
	"time"
)

type Message struct {
	ID        int64           `json:"id"`
	ChatID    string          `json:"chatId"`
	SenderID  int             `json:"senderId"`
	Username  string          `json:"username"` // joined from users
	Body      json.RawMessage `json:"message"`
	CreatedAt time.Time       `json:"createdAt"`
}
