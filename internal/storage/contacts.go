package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Contact statuses.
const (
	ContactPending  = "Pending"
	ContactAccepted = "Accepted"
	ContactBlocked  = "Blocked"
)

// Contact links two users, optionally through the conversation they met in.
type Contact struct {
	ID             int64     `json:"id"`
	UserID1        int64     `json:"user_id_1"`
	UserID2        int64     `json:"user_id_2"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"creation_date"`
}

const contactColumns = `id, user_id_1, user_id_2, conversation_id, status, created_at`

func scanContact(row rowScanner) (*Contact, error) {
	var (
		contact        Contact
		conversationID sql.NullInt64
	)
	if err := row.Scan(&contact.ID, &contact.UserID1, &contact.UserID2, &conversationID,
		&contact.Status, &contact.CreatedAt); err != nil {
		return nil, err
	}
	if conversationID.Valid {
		contact.ConversationID = &conversationID.Int64
	}
	return &contact, nil
}

// CreateContact stores a pending contact if the pair is not linked yet, in either direction.
func (s *Store) CreateContact(ctx context.Context, userID, otherID int64, conversationID *int64) (*Contact, error) {
	if userID == otherID {
		return nil, errors.New("cannot add yourself as a contact")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var existing int
	if err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM contacts
		WHERE (user_id_1 = ? AND user_id_2 = ?) OR (user_id_1 = ? AND user_id_2 = ?)
	`, userID, otherID, otherID, userID).Scan(&existing); err != nil {
		return nil, err
	}
	if existing > 0 {
		err = ErrContactExists
		return nil, err
	}
	var result sql.Result
	if result, err = tx.ExecContext(ctx,
		`INSERT INTO contacts(user_id_1, user_id_2, conversation_id) VALUES(?, ?, ?)`,
		userID, otherID, conversationID); err != nil {
		return nil, err
	}
	var id int64
	if id, err = result.LastInsertId(); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetContact(ctx, id)
}

// GetContact fetches a contact by id. A missing row yields (nil, nil).
func (s *Store) GetContact(ctx context.Context, id int64) (*Contact, error) {
	contact, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return contact, err
}

// ListContacts returns the contacts of a user on either side of the link.
func (s *Store) ListContacts(ctx context.Context, userID int64) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE user_id_1 = ? OR user_id_2 = ?
		ORDER BY created_at ASC, id ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *contact)
	}
	return contacts, rows.Err()
}

// UpdateContactStatus changes the status of a contact link.
func (s *Store) UpdateContactStatus(ctx context.Context, id int64, status string) (*Contact, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetContact(ctx, id)
}
