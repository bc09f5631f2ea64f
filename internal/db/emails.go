package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NullTime is a custom type that handles both string and time.Time from SQLite
type NullTime struct {
	Time  time.Time
	Valid bool
}

// NewNullTime wraps t as a valid NullTime in UTC
func NewNullTime(t time.Time) NullTime {
	return NullTime{Time: t.UTC(), Valid: true}
}

// Scan implements sql.Scanner for NullTime
func (nt *NullTime) Scan(value interface{}) error {
	if value == nil {
		nt.Time, nt.Valid = time.Time{}, false
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		nt.Time, nt.Valid = v.UTC(), true
		return nil
	case []byte:
		return nt.Scan(string(v))
	case string:
		// Aggregates such as MAX(created_at) lose the declared column type in SQLite
		formats := []string{
			"2006-01-02 15:04:05.999999999-07:00",
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999 -0700 MST",
			"2006-01-02 15:04:05.999999999 -0700",
			"2006-01-02 15:04:05.999999999",
			"2006-01-02T15:04:05Z",
		}

		var t time.Time
		var err error
		for _, format := range formats {
			t, err = time.Parse(format, v)
			if err == nil {
				nt.Time, nt.Valid = t.UTC(), true
				return nil
			}
		}

		return fmt.Errorf("failed to parse time string %q: %w", v, err)
	default:
		return fmt.Errorf("unsupported Scan type for NullTime: %T", value)
	}
}

// Value implements driver.Valuer for NullTime
func (nt NullTime) Value() (driver.Value, error) {
	if !nt.Valid {
		return nil, nil
	}
	return nt.Time.UTC(), nil
}

// Metadata is the opaque provider bag (headers, spam score, DKIM/SPF).
// Core logic never interprets its keys.
type Metadata map[string]string

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported Scan type for Metadata: %T", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	*m = out
	return nil
}

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}

type Direction string

const (
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

type Status string

const (
	StatusDraft    Status = "Draft"
	StatusPending  Status = "Pending"
	StatusSent     Status = "Sent"
	StatusFailed   Status = "Failed"
	StatusReceived Status = "Received"
)

// Email is a single stored message, inbound or outbound
type Email struct {
	ID             int64
	MessageID      string // RFC 5322 Message-ID including angle brackets
	InReplyTo      string
	References     string // space separated Message-IDs
	ThreadID       sql.NullInt64
	From           string
	To             string
	CC             string // semicolon joined
	BCC            string // semicolon joined
	Subject        string
	HTMLBody       string
	PlainTextBody  string
	Direction      Direction
	Status         Status
	Provider       string
	Category       string
	SupplierID     sql.NullInt64
	BuyerID        sql.NullInt64
	UserID         sql.NullString
	MetaData       Metadata
	ErrorMessage   sql.NullString
	IsHighPriority bool
	CreatedAt      time.Time
	SentAt         NullTime
	FailedAt       NullTime
	ReceivedAt     NullTime
	ReadAt         NullTime
	ArchivedAt     NullTime
	DeletedAt      NullTime
}

// IsUnread reports whether this email counts towards a thread's unread flag
func (e *Email) IsUnread() bool {
	return e.Direction == DirectionInbound && !e.ReadAt.Valid && !e.DeletedAt.Valid
}

// ReferenceIDs returns In-Reply-To followed by References, most specific first
func (e *Email) ReferenceIDs() []string {
	var ids []string
	if e.InReplyTo != "" {
		ids = append(ids, e.InReplyTo)
	}
	refs := strings.Fields(e.References)
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i] != e.InReplyTo {
			ids = append(ids, refs[i])
		}
	}
	return ids
}

const emailColumns = `id, message_id, in_reply_to, thread_references, thread_id,
	from_email, to_email, cc_email, bcc_email, subject, html_body, plain_text_body,
	direction, status, provider, category, supplier_id, buyer_id, user_id,
	meta_data, error_message, is_high_priority,
	created_at, sent_at, failed_at, received_at, read_at, archived_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*Email, error) {
	email := &Email{}
	var createdAt NullTime
	err := row.Scan(
		&email.ID, &email.MessageID, &email.InReplyTo, &email.References, &email.ThreadID,
		&email.From, &email.To, &email.CC, &email.BCC, &email.Subject, &email.HTMLBody, &email.PlainTextBody,
		&email.Direction, &email.Status, &email.Provider, &email.Category, &email.SupplierID, &email.BuyerID, &email.UserID,
		&email.MetaData, &email.ErrorMessage, &email.IsHighPriority,
		&createdAt, &email.SentAt, &email.FailedAt, &email.ReceivedAt, &email.ReadAt, &email.ArchivedAt, &email.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	email.CreatedAt = createdAt.Time
	return email, nil
}

func collectEmails(rows *sql.Rows) ([]*Email, error) {
	defer rows.Close()

	emails := []*Email{}
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emails: %w", err)
	}
	return emails, nil
}

// InsertEmail inserts a new email and sets its ID
func (db *DB) InsertEmail(ctx context.Context, email *Email) (int64, error) {
	return insertEmail(ctx, db.conn(), email)
}

// InsertEmail inserts a new email inside the transaction and sets its ID
func (tx *Tx) InsertEmail(ctx context.Context, email *Email) (int64, error) {
	return insertEmail(ctx, tx.conn(), email)
}

func insertEmail(ctx context.Context, c conn, email *Email) (int64, error) {
	if email.CreatedAt.IsZero() {
		email.CreatedAt = time.Now().UTC()
	}
	id, err := c.insertReturningID(ctx, `
		INSERT INTO emails (
			message_id, in_reply_to, thread_references, thread_id,
			from_email, to_email, cc_email, bcc_email, subject, html_body, plain_text_body,
			direction, status, provider, category, supplier_id, buyer_id, user_id,
			meta_data, error_message, is_high_priority,
			created_at, sent_at, failed_at, received_at, read_at, archived_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		email.MessageID, email.InReplyTo, email.References, email.ThreadID,
		email.From, email.To, email.CC, email.BCC, email.Subject, email.HTMLBody, email.PlainTextBody,
		string(email.Direction), string(email.Status), email.Provider, email.Category, email.SupplierID, email.BuyerID, email.UserID,
		email.MetaData, email.ErrorMessage, email.IsHighPriority,
		email.CreatedAt.UTC(), email.SentAt, email.FailedAt, email.ReceivedAt, email.ReadAt, email.ArchivedAt, email.DeletedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert email: %w", err)
	}
	email.ID = id
	return id, nil
}

// GetEmail retrieves an email by its ID, returning nil when it does not exist
func (db *DB) GetEmail(ctx context.Context, id int64) (*Email, error) {
	email, err := scanEmail(db.conn().queryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

// GetEmailByMessageID retrieves the oldest email carrying the given Message-ID header
func (db *DB) GetEmailByMessageID(ctx context.Context, messageID string) (*Email, error) {
	if messageID == "" {
		return nil, nil
	}

	email, err := scanEmail(db.conn().queryRow(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE message_id = ? ORDER BY id ASC LIMIT 1`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email by message_id: %w", err)
	}
	return email, nil
}

// FindThreadedEmailByMessageIDs returns the most recent threaded email whose
// Message-ID is one of ids
func (db *DB) FindThreadedEmailByMessageIDs(ctx context.Context, ids []string) (*Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	email, err := scanEmail(db.conn().queryRow(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE message_id IN (`+placeholders+`) AND thread_id IS NOT NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find email by references: %w", err)
	}
	return email, nil
}

// LatestEmailBetween returns the most recently created email exchanged between
// a and b in either direction. Unsent drafts and soft-deleted emails are skipped.
func (db *DB) LatestEmailBetween(ctx context.Context, a, b string) (*Email, error) {
	a, b = strings.ToLower(a), strings.ToLower(b)

	email, err := scanEmail(db.conn().queryRow(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE ((LOWER(from_email) = ? AND LOWER(to_email) = ?)
		    OR (LOWER(from_email) = ? AND LOWER(to_email) = ?))
		  AND status <> ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, a, b, b, a, string(StatusDraft)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest email between addresses: %w", err)
	}
	return email, nil
}

// StatusUpdate carries the columns written alongside a status transition
type StatusUpdate struct {
	At           time.Time
	Provider     string
	ErrorMessage string
	MetaData     Metadata // replaces stored metadata when non-nil
}

// TransitionStatus moves an email from one status to another with a single
// compare-and-set UPDATE. ErrStatusConflict means the row was not in status from.
func (db *DB) TransitionStatus(ctx context.Context, id int64, from, to Status, upd StatusUpdate) error {
	if !validTransition(from, to) {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	at := upd.At.UTC()
	if upd.At.IsZero() {
		at = time.Now().UTC()
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}

	switch to {
	case StatusSent:
		sets = append(sets, "sent_at = ?", "provider = ?")
		args = append(args, at, upd.Provider)
	case StatusFailed:
		sets = append(sets, "failed_at = ?", "error_message = ?")
		args = append(args, at, upd.ErrorMessage)
		if upd.Provider != "" {
			sets = append(sets, "provider = ?")
			args = append(args, upd.Provider)
		}
	case StatusPending:
		// created_at tracks when the message entered the send pipeline
		sets = append(sets, "created_at = ?")
		args = append(args, at)
	}
	if upd.MetaData != nil {
		sets = append(sets, "meta_data = ?")
		args = append(args, upd.MetaData)
	}
	args = append(args, id, string(from))

	res, err := db.conn().exec(ctx,
		`UPDATE emails SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update email status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update email status: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusPending
	case StatusPending:
		return to == StatusSent || to == StatusFailed
	}
	return false
}

// SetEmailThread links an email to a thread
func (db *DB) SetEmailThread(ctx context.Context, emailID, threadID int64) error {
	return setEmailThread(ctx, db.conn(), emailID, threadID)
}

// SetEmailThread links an email to a thread inside the transaction
func (tx *Tx) SetEmailThread(ctx context.Context, emailID, threadID int64) error {
	return setEmailThread(ctx, tx.conn(), emailID, threadID)
}

func setEmailThread(ctx context.Context, c conn, emailID, threadID int64) error {
	if _, err := c.exec(ctx, `UPDATE emails SET thread_id = ? WHERE id = ?`, threadID, emailID); err != nil {
		return fmt.Errorf("failed to set email thread: %w", err)
	}
	return nil
}

// ClaimEmailThread links an email to a thread only if it has none yet.
// It reports false when another writer linked it first.
func (tx *Tx) ClaimEmailThread(ctx context.Context, emailID, threadID int64) (bool, error) {
	res, err := tx.conn().exec(ctx,
		`UPDATE emails SET thread_id = ? WHERE id = ? AND thread_id IS NULL`, threadID, emailID)
	if err != nil {
		return false, fmt.Errorf("failed to claim email thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim email thread: %w", err)
	}
	return n > 0, nil
}

// MarkRead sets read_at once. It reports whether the row changed.
func (db *DB) MarkRead(ctx context.Context, id int64, at time.Time) (bool, error) {
	return db.setTimestampOnce(ctx, "read_at", id, at)
}

// SoftDelete stamps deleted_at once. It reports whether the row changed.
func (db *DB) SoftDelete(ctx context.Context, id int64, at time.Time) (bool, error) {
	return db.setTimestampOnce(ctx, "deleted_at", id, at)
}

// Archive stamps archived_at once. It reports whether the row changed.
func (db *DB) Archive(ctx context.Context, id int64, at time.Time) (bool, error) {
	return db.setTimestampOnce(ctx, "archived_at", id, at)
}

// column is always one of the fixed names above
func (db *DB) setTimestampOnce(ctx context.Context, column string, id int64, at time.Time) (bool, error) {
	res, err := db.conn().exec(ctx,
		`UPDATE emails SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", column, err)
	}
	return n > 0, nil
}

// Restore clears deleted_at and archived_at
func (db *DB) Restore(ctx context.Context, id int64) error {
	if _, err := db.conn().exec(ctx,
		`UPDATE emails SET deleted_at = NULL, archived_at = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to restore email: %w", err)
	}
	return nil
}

// DeleteEmailCascade removes an email and its attachment rows in one transaction.
// It returns the blob URIs the attachments referenced so callers can remove them.
func (db *DB) DeleteEmailCascade(ctx context.Context, id int64) ([]string, error) {
	var blobs []string
	err := db.InTx(ctx, func(tx *Tx) error {
		c := tx.conn()

		rows, err := c.query(ctx,
			`SELECT blob_url FROM email_attachments WHERE email_id = ? AND blob_url IS NOT NULL`, id)
		if err != nil {
			return fmt.Errorf("failed to list attachment blobs: %w", err)
		}
		for rows.Next() {
			var uri string
			if err := rows.Scan(&uri); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan attachment blob: %w", err)
			}
			blobs = append(blobs, uri)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating attachment blobs: %w", err)
		}

		if _, err := c.exec(ctx, `DELETE FROM email_attachments WHERE email_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete attachments: %w", err)
		}
		if _, err := c.exec(ctx, `DELETE FROM emails WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete email: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

// ListDeletedBefore returns soft-deleted emails whose deleted_at is older than cutoff
func (db *DB) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]*Email, error) {
	rows, err := db.conn().query(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE deleted_at IS NOT NULL AND deleted_at < ?
		ORDER BY id ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired emails: %w", err)
	}
	return collectEmails(rows)
}

// ListDraftsBefore returns drafts created before cutoff
func (db *DB) ListDraftsBefore(ctx context.Context, cutoff time.Time) ([]*Email, error) {
	rows, err := db.conn().query(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE status = ? AND created_at < ?
		ORDER BY id ASC`, string(StatusDraft), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale drafts: %w", err)
	}
	return collectEmails(rows)
}

// ListThreadEmails returns the non-deleted emails of a thread, oldest first
func (db *DB) ListThreadEmails(ctx context.Context, threadID int64) ([]*Email, error) {
	rows, err := db.conn().query(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE thread_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread emails: %w", err)
	}
	return collectEmails(rows)
}

// CountEmails returns the total number of stored emails
func (db *DB) CountEmails(ctx context.Context) (int, error) {
	var count int
	if err := db.conn().queryRow(ctx, "SELECT COUNT(*) FROM emails").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}
