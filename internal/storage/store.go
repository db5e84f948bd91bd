package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the queries used by the server and the hub.
type Store struct {
	db *sql.DB
}

var (
	// ErrUserExists is returned when attempting to insert a duplicate email.
	ErrUserExists = errors.New("user already exists")
	// ErrContactExists is returned when two users are already linked.
	ErrContactExists = errors.New("contact already exists")
	// ErrNotFound is returned by updates that matched no row.
	ErrNotFound = errors.New("not found")
)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "worldchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			type TEXT NOT NULL,
			languages TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			status_is_manual INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			student_id INTEGER NOT NULL,
			teacher_id INTEGER NOT NULL,
			language TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'random',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(student_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(teacher_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_language ON conversations(language, status);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Unread',
			has_image INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id_1 INTEGER NOT NULL,
			user_id_2 INTEGER NOT NULL,
			conversation_id INTEGER,
			status TEXT NOT NULL DEFAULT 'Pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(user_id_1) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id_2) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL,
			filename TEXT NOT NULL,
			path TEXT NOT NULL,
			mimetype TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}

func requireAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
