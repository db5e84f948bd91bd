package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Image describes a picture attached to a message. Path is relative to the upload directory.
type Image struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mimetype"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

const imageColumns = `id, message_id, filename, path, mimetype, size, created_at`

func scanImage(row rowScanner) (*Image, error) {
	var image Image
	if err := row.Scan(&image.ID, &image.MessageID, &image.Filename, &image.Path,
		&image.MimeType, &image.Size, &image.CreatedAt); err != nil {
		return nil, err
	}
	return &image, nil
}

// CreateImage stores image metadata and flags the owning message.
func (s *Store) CreateImage(ctx context.Context, in Image) (*Image, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var res sql.Result
	if res, err = tx.ExecContext(ctx, `UPDATE messages SET has_image = 1 WHERE id = ?`, in.MessageID); err != nil {
		return nil, err
	}
	if err = requireAffected(res); err != nil {
		return nil, err
	}
	if res, err = tx.ExecContext(ctx,
		`INSERT INTO images(message_id, filename, path, mimetype, size) VALUES(?, ?, ?, ?, ?)`,
		in.MessageID, in.Filename, in.Path, in.MimeType, in.Size); err != nil {
		return nil, err
	}
	var id int64
	if id, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetImage(ctx, id)
}

// GetImage fetches image metadata by id. A missing row yields (nil, nil).
func (s *Store) GetImage(ctx context.Context, id int64) (*Image, error) {
	image, err := scanImage(s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return image, err
}

// ListImagesByMessage returns the images attached to a message.
func (s *Store) ListImagesByMessage(ctx context.Context, messageID int64) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *image)
	}
	return images, rows.Err()
}
