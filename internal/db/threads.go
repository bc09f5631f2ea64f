package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Participants is an order-irrelevant set of addresses stored as a JSON array
type Participants []string

// NewParticipants builds a normalized participant set
func NewParticipants(addrs ...string) Participants {
	var p Participants
	return p.Add(addrs...)
}

// Add returns the set extended with addrs; addresses compare case-insensitively
func (p Participants) Add(addrs ...string) Participants {
	seen := make(map[string]bool, len(p)+len(addrs))
	out := make(Participants, 0, len(p)+len(addrs))
	for _, a := range append(append([]string{}, p...), addrs...) {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether addr is a participant
func (p Participants) Contains(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, a := range p {
		if a == addr {
			return true
		}
	}
	return false
}

// Scan implements sql.Scanner for Participants
func (p *Participants) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*p = Participants{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported Scan type for Participants: %T", value)
	}
	var addrs []string
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return fmt.Errorf("failed to decode participants: %w", err)
	}
	*p = NewParticipants(addrs...)
	return nil
}

// Value implements driver.Valuer for Participants
func (p Participants) Value() (driver.Value, error) {
	raw, err := json.Marshal([]string(p.Add()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode participants: %w", err)
	}
	return string(raw), nil
}

// Thread is a reconstructed conversation
type Thread struct {
	ID             int64
	Subject        string
	Participants   Participants
	EmailCount     int
	HasUnread      bool
	LastActivityAt time.Time
	Category       string
	SupplierID     sql.NullInt64
	BuyerID        sql.NullInt64
	UserID         sql.NullString
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const threadColumns = `id, subject, participant_emails, email_count, has_unread, last_activity_at,
	category, supplier_id, buyer_id, user_id, version, created_at, updated_at`

func scanThread(row rowScanner) (*Thread, error) {
	t := &Thread{}
	var lastActivity, createdAt, updatedAt NullTime
	err := row.Scan(
		&t.ID, &t.Subject, &t.Participants, &t.EmailCount, &t.HasUnread, &lastActivity,
		&t.Category, &t.SupplierID, &t.BuyerID, &t.UserID, &t.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.LastActivityAt = lastActivity.Time
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return t, nil
}

// CreateThread inserts a new thread and sets its ID
func (db *DB) CreateThread(ctx context.Context, t *Thread) (int64, error) {
	return createThread(ctx, db.conn(), t)
}

// CreateThread inserts a new thread inside the transaction
func (tx *Tx) CreateThread(ctx context.Context, t *Thread) (int64, error) {
	return createThread(ctx, tx.conn(), t)
}

func createThread(ctx context.Context, c conn, t *Thread) (int64, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = t.CreatedAt
	}
	t.UpdatedAt = t.CreatedAt
	t.Participants = t.Participants.Add()

	id, err := c.insertReturningID(ctx, `
		INSERT INTO email_threads (
			subject, participant_emails, email_count, has_unread, last_activity_at,
			category, supplier_id, buyer_id, user_id, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.Subject, t.Participants, t.EmailCount, t.HasUnread, t.LastActivityAt.UTC(),
		t.Category, t.SupplierID, t.BuyerID, t.UserID, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	t.ID = id
	return id, nil
}

// GetThread retrieves a thread by ID, returning nil when it does not exist
func (db *DB) GetThread(ctx context.Context, id int64) (*Thread, error) {
	t, err := scanThread(db.conn().queryRow(ctx, `SELECT `+threadColumns+` FROM email_threads WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// FindThreadBySubject returns the most recently active thread whose subject
// contains fragment, case-insensitively. Wildcards in fragment match literally.
func (db *DB) FindThreadBySubject(ctx context.Context, fragment string) (*Thread, error) {
	if strings.TrimSpace(fragment) == "" {
		return nil, nil
	}

	t, err := scanThread(db.conn().queryRow(ctx, `
		SELECT `+threadColumns+` FROM email_threads
		WHERE LOWER(subject) LIKE ? ESCAPE '\'
		ORDER BY last_activity_at DESC, id DESC
		LIMIT 1`, containsPattern(fragment)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread by subject: %w", err)
	}
	return t, nil
}

// TouchThread records one more email on the thread in a single atomic UPDATE:
// the count is incremented in place and unread can only be raised here.
// It reports false when the thread no longer exists.
func (db *DB) TouchThread(ctx context.Context, id int64, at time.Time, unread bool) (bool, error) {
	at = at.UTC()
	res, err := db.conn().exec(ctx, `
		UPDATE email_threads SET
			email_count = email_count + 1,
			last_activity_at = CASE WHEN last_activity_at > ? THEN last_activity_at ELSE ? END,
			has_unread = (has_unread OR ?),
			version = version + 1,
			updated_at = ?
		WHERE id = ?`, at, at, unread, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to update thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update thread: %w", err)
	}
	return n > 0, nil
}

// RecomputeThread rebuilds count, last activity and unread flag from the
// thread's non-deleted emails, then deletes the thread if no email rows
// reference it at all. Drafts are not counted until they are sent, matching
// TouchThread being called on delivery only. It reports whether the thread was deleted.
func (db *DB) RecomputeThread(ctx context.Context, id int64) (bool, error) {
	deleted := false
	err := db.InTx(ctx, func(tx *Tx) error {
		c := tx.conn()
		now := time.Now().UTC()

		_, err := c.exec(ctx, `
			UPDATE email_threads SET
				email_count = (SELECT COUNT(*) FROM emails
					WHERE thread_id = ? AND deleted_at IS NULL AND status <> 'Draft'),
				last_activity_at = COALESCE(
					(SELECT MAX(created_at) FROM emails
						WHERE thread_id = ? AND deleted_at IS NULL AND status <> 'Draft'),
					last_activity_at),
				has_unread = EXISTS (
					SELECT 1 FROM emails
					WHERE thread_id = ? AND deleted_at IS NULL
					  AND direction = 'Inbound' AND read_at IS NULL),
				version = version + 1,
				updated_at = ?
			WHERE id = ?`, id, id, id, now, id)
		if err != nil {
			return fmt.Errorf("failed to recompute thread: %w", err)
		}

		res, err := c.exec(ctx, `
			DELETE FROM email_threads
			WHERE id = ? AND NOT EXISTS (SELECT 1 FROM emails WHERE thread_id = ?)`, id, id)
		if err != nil {
			return fmt.Errorf("failed to delete empty thread: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete empty thread: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// DeleteOrphanThreads removes threads created before cutoff that no email references.
// The cutoff leaves room for a thread created just ahead of its first email.
func (db *DB) DeleteOrphanThreads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn().exec(ctx, `
		DELETE FROM email_threads
		WHERE created_at < ?
		  AND NOT EXISTS (SELECT 1 FROM emails WHERE emails.thread_id = email_threads.id)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan threads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan threads: %w", err)
	}
	return n, nil
}
