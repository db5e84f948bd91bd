package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Message statuses.
const (
	MessageUnread  = "Unread"
	MessageRead    = "Read"
	MessageDeleted = "Deleted"
)

// Message is a persisted chat line.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	HasImage       bool      `json:"has_image"`
	CreatedAt      time.Time `json:"datetime"`
}

const messageColumns = `id, conversation_id, sender_id, content, status, has_image, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var message Message
	if err := row.Scan(&message.ID, &message.ConversationID, &message.SenderID, &message.Content,
		&message.Status, &message.HasImage, &message.CreatedAt); err != nil {
		return nil, err
	}
	return &message, nil
}

// CreateMessage stores a message sent in a conversation.
func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (*Message, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, sender_id, content) VALUES(?, ?, ?)`,
		conversationID, senderID, content)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches a message by id. A missing row yields (nil, nil).
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	message, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return message, err
}

// ListMessages returns the messages of a conversation in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}
	return messages, rows.Err()
}

// UpdateMessage replaces the content of a message.
func (s *Store) UpdateMessage(ctx context.Context, id int64, content string) (*Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message and returns the paths of its images.
func (s *Store) DeleteMessage(ctx context.Context, id int64) ([]string, error) {
	images, err := s.ListImagesByMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(images))
	for _, image := range images {
		paths = append(paths, image.Path)
	}
	return paths, nil
}
