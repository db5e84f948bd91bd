package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Conversation statuses.
const (
	ConversationRandom  = "random"
	ConversationPrivate = "private"
	ConversationEnded   = "ended"
)

// Conversation pairs a student and a teacher around one language.
type Conversation struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	TeacherID int64     `json:"teacher_id"`
	Language  string    `json:"language"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"creation_date"`
}

// Involves reports whether the user takes part in the conversation.
func (c Conversation) Involves(userID int64) bool {
	return c.StudentID == userID || c.TeacherID == userID
}

// NewConversation carries the fields required to open a conversation.
type NewConversation struct {
	StudentID int64
	TeacherID int64
	Language  string
	Status    string
}

const conversationColumns = `id, student_id, teacher_id, language, status, created_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var conversation Conversation
	if err := row.Scan(&conversation.ID, &conversation.StudentID, &conversation.TeacherID,
		&conversation.Language, &conversation.Status, &conversation.CreatedAt); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func optionalConversation(row *sql.Row) (*Conversation, error) {
	conversation, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conversation, err
}

// CreateConversation inserts a conversation and returns the stored row.
func (s *Store) CreateConversation(ctx context.Context, in NewConversation) (*Conversation, error) {
	status := in.Status
	if status == "" {
		status = ConversationRandom
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(student_id, teacher_id, language, status) VALUES(?, ?, ?, ?)`,
		in.StudentID, in.TeacherID, in.Language, status)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation fetches a conversation by id. A missing row yields (nil, nil).
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return optionalConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

// FindActiveConversation returns the oldest non-ended conversation the user has in language.
func (s *Store) FindActiveConversation(ctx context.Context, userID int64, language string) (*Conversation, error) {
	return optionalConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (student_id = ? OR teacher_id = ?) AND language = ? AND status != ?
		ORDER BY id ASC
		LIMIT 1
	`, userID, userID, language, ConversationEnded))
}

// FindConversationBetween returns a non-ended conversation joining both users in language.
func (s *Store) FindConversationBetween(ctx context.Context, userA, userB int64, language string) (*Conversation, error) {
	return optionalConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE ((student_id = ? AND teacher_id = ?) OR (student_id = ? AND teacher_id = ?))
			AND language = ? AND status != ?
		ORDER BY id ASC
		LIMIT 1
	`, userA, userB, userB, userA, language, ConversationEnded))
}

// ListConversationsByUser returns every conversation the user takes part in, newest first.
func (s *Store) ListConversationsByUser(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE student_id = ? OR teacher_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conversation)
	}
	return conversations, rows.Err()
}

// EndConversation marks a conversation as ended.
func (s *Store) EndConversation(ctx context.Context, id int64) (*Conversation, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, ConversationEnded, id)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation with its messages and image rows.
// It returns the stored paths of the deleted images so the caller can remove the files.
func (s *Store) DeleteConversation(ctx context.Context, id int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	rows, err := tx.QueryContext(ctx, `
		SELECT i.path FROM images i
		JOIN messages m ON m.id = i.message_id
		WHERE m.conversation_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var path string
		if err = rows.Scan(&path); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, path)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	var res sql.Result
	if res, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err = requireAffected(res); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}
