package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Attachment is binary content owned by exactly one email. Content is held
// inline for small files; larger ones live in the blob store behind BlobURL.
type Attachment struct {
	ID          int64
	EmailID     int64
	FileName    string
	ContentType string
	Content     []byte
	BlobURL     sql.NullString
	FileSize    int64
	IsInline    bool
	ContentID   sql.NullString
	CreatedAt   time.Time
}

const attachmentColumns = `id, email_id, file_name, content_type, content, blob_url,
	file_size, is_inline, content_id, created_at`

func scanAttachment(row rowScanner) (*Attachment, error) {
	att := &Attachment{}
	var createdAt NullTime
	err := row.Scan(
		&att.ID, &att.EmailID, &att.FileName, &att.ContentType, &att.Content, &att.BlobURL,
		&att.FileSize, &att.IsInline, &att.ContentID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	att.CreatedAt = createdAt.Time
	return att, nil
}

// InsertAttachment inserts attachment metadata (and inline content, if any)
func (db *DB) InsertAttachment(ctx context.Context, att *Attachment) (int64, error) {
	return insertAttachment(ctx, db.conn(), att)
}

// InsertAttachment inserts an attachment inside the transaction
func (tx *Tx) InsertAttachment(ctx context.Context, att *Attachment) (int64, error) {
	return insertAttachment(ctx, tx.conn(), att)
}

func insertAttachment(ctx context.Context, c conn, att *Attachment) (int64, error) {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	if att.ContentType == "" {
		att.ContentType = "application/octet-stream"
	}
	id, err := c.insertReturningID(ctx, `
		INSERT INTO email_attachments (
			email_id, file_name, content_type, content, blob_url,
			file_size, is_inline, content_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.EmailID, att.FileName, att.ContentType, att.Content, att.BlobURL,
		att.FileSize, att.IsInline, att.ContentID, att.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attachment: %w", err)
	}
	att.ID = id
	return id, nil
}

// GetAttachment retrieves a single attachment, returning nil when it does not exist
func (db *DB) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	att, err := scanAttachment(db.conn().queryRow(ctx,
		`SELECT `+attachmentColumns+` FROM email_attachments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return att, nil
}

// ListAttachments retrieves all attachments for an email
func (db *DB) ListAttachments(ctx context.Context, emailID int64) ([]*Attachment, error) {
	rows, err := db.conn().query(ctx,
		`SELECT `+attachmentColumns+` FROM email_attachments WHERE email_id = ? ORDER BY id ASC`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	attachments := []*Attachment{}
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return attachments, nil
}

// CountAttachments returns how many attachment rows reference emailID
func (db *DB) CountAttachments(ctx context.Context, emailID int64) (int, error) {
	var n int
	if err := db.conn().queryRow(ctx,
		`SELECT COUNT(*) FROM email_attachments WHERE email_id = ?`, emailID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return n, nil
}

// CountBlobReferences returns how many attachment rows point at a blob.
// Identical uploads can share one object, so a blob is only removed at zero.
func (db *DB) CountBlobReferences(ctx context.Context, uri string) (int, error) {
	var n int
	if err := db.conn().queryRow(ctx,
		`SELECT COUNT(*) FROM email_attachments WHERE blob_url = ?`, uri).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count blob references: %w", err)
	}
	return n, nil
}
