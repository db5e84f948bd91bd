package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// User represents a row in the users table.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PasswordHash   []byte    `json:"-"`
	Type           string    `json:"type"`
	Languages      []string  `json:"languages"`
	Status         string    `json:"status"`
	StatusIsManual bool      `json:"statusIsManual"`
	CreatedAt      time.Time `json:"creation_date"`
}

// NewUser carries the fields required to register an account.
type NewUser struct {
	Username     string
	Email        string
	PasswordHash []byte
	Type         string
	Languages    []string
}

const userColumns = `id, username, email, password_hash, type, languages, status, status_is_manual, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user      User
		languages string
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Type,
		&languages, &user.Status, &user.StatusIsManual, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Languages = splitLanguages(languages)
	return &user, nil
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, in NewUser) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, email, password_hash, type, languages) VALUES(?, ?, ?, ?, ?)`,
		in.Username, strings.ToLower(in.Email), in.PasswordHash, in.Type, joinLanguages(in.Languages))
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByEmail fetches a user by email. A missing user yields (nil, nil).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(email))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// GetUserByID fetches a user by primary key. A missing user yields (nil, nil).
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// ListUsersByLanguage returns users speaking the given language, ordered by username.
func (s *Store) ListUsersByLanguage(ctx context.Context, language string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE ',' || languages || ',' LIKE '%,' || ? || ',%'
		ORDER BY username ASC
	`, strings.ToLower(language))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUserStatus persists a presence status. The manual flag is only kept for
// busy and away, the two statuses an automatic transition must not override.
func (s *Store) UpdateUserStatus(ctx context.Context, id int64, status string, isManual bool) (*User, error) {
	pinned := isManual && (status == "busy" || status == "away")
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ?, status_is_manual = ? WHERE id = ?`, status, pinned, id)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// UpdatePassword replaces the stored password hash for a user.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, newHash []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, newHash, userID)
	return err
}

func joinLanguages(languages []string) string {
	cleaned := make([]string, 0, len(languages))
	for _, language := range languages {
		language = strings.ToLower(strings.TrimSpace(language))
		if language != "" {
			cleaned = append(cleaned, language)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitLanguages(raw string) []string {
	if raw == "" {
		return []string{}
	}
	return strings.Split(raw, ",")
}
