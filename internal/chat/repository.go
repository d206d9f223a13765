package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

const historyLimit = 50

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveMessage stores one chat message. senderID is the gateway's string
// form of the numeric user id.
func (r *Repository) SaveMessage(ctx context.Context, chatID, senderID string, body json.RawMessage) error {
	uid, err := strconv.Atoi(senderID)
	if err != nil {
		return fmt.Errorf("sender id %q: %w", senderID, err)
	}
	query := "INSERT INTO chat_messages (chat_id, sender_id, body) VALUES ($1, $2, $3)"
	_, err = r.db.ExecContext(ctx, query, chatID, uid, string(body))
	return err
}

// RecentMessages returns the latest messages of a chat, newest first.
func (r *Repository) RecentMessages(ctx context.Context, chatID string) ([]*Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.sender_id, u.username, m.body, m.created_at
		FROM chat_messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, chatID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var body []byte
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Username, &body, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Body = body
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
