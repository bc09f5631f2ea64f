package db

import (
	"context"
	"fmt"
	"strings"
)

type Folder string

const (
	FolderInbox    Folder = "inbox"
	FolderSent     Folder = "sent"
	FolderDrafts   Folder = "drafts"
	FolderArchived Folder = "archived"
	FolderDeleted  Folder = "deleted"
)

// ParseFolder maps free text onto a folder, defaulting to the inbox
func ParseFolder(s string) Folder {
	switch f := Folder(strings.ToLower(strings.TrimSpace(s))); f {
	case FolderSent, FolderDrafts, FolderArchived, FolderDeleted:
		return f
	}
	return FolderInbox
}

// maxSearchTerms caps how many words of a search query are honoured
const maxSearchTerms = 3

// recipientClause matches one whole entry of the semicolon separated to_email
// list, so ann@x never matches joann@x
const recipientClause = `';' || REPLACE(LOWER(to_email), ' ', '') || ';' LIKE ? ESCAPE '\'`

func recipientPattern(user string) string {
	return "%;" + escapeLike(user) + ";%"
}

// InboxFilter selects a page of one mailbox folder
type InboxFilter struct {
	UserEmail string // empty means every mailbox
	Folder    Folder
	Category  string
	Search    string
	Limit     int
	Offset    int
}

// where builds the WHERE clause shared by the page and count queries
func (f InboxFilter) where() (string, []interface{}) {
	var conditions []string
	var args []interface{}

	user := strings.ToLower(strings.TrimSpace(f.UserEmail))
	toUser := func() {
		if user != "" {
			conditions = append(conditions, recipientClause)
			args = append(args, recipientPattern(user))
		}
	}
	fromUser := func() {
		if user != "" {
			conditions = append(conditions, "LOWER(from_email) = ?")
			args = append(args, user)
		}
	}

	switch f.Folder {
	case FolderSent:
		conditions = append(conditions, "direction = ?", "status <> ?", "deleted_at IS NULL", "archived_at IS NULL")
		args = append(args, string(DirectionOutbound), string(StatusDraft))
		fromUser()
	case FolderDrafts:
		conditions = append(conditions, "status = ?", "deleted_at IS NULL")
		args = append(args, string(StatusDraft))
		fromUser()
	case FolderArchived:
		conditions = append(conditions, "archived_at IS NOT NULL", "deleted_at IS NULL")
	case FolderDeleted:
		conditions = append(conditions, "deleted_at IS NOT NULL")
	default:
		conditions = append(conditions, "direction = ?", "deleted_at IS NULL", "archived_at IS NULL")
		args = append(args, string(DirectionInbound))
		toUser()
	}

	// archived and deleted folders show both directions of the user's mail
	if (f.Folder == FolderArchived || f.Folder == FolderDeleted) && user != "" {
		conditions = append(conditions, "(LOWER(from_email) = ? OR "+recipientClause+")")
		args = append(args, user, recipientPattern(user))
	}

	if f.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, f.Category)
	}

	for _, term := range searchTerms(f.Search) {
		pattern := containsPattern(term)
		if strings.Contains(term, "@") {
			conditions = append(conditions,
				`(LOWER(from_email) LIKE ? ESCAPE '\' OR LOWER(to_email) LIKE ? ESCAPE '\')`)
			args = append(args, pattern, pattern)
			continue
		}
		conditions = append(conditions, `(LOWER(subject) LIKE ? ESCAPE '\'
			OR LOWER(from_email) LIKE ? ESCAPE '\'
			OR LOWER(to_email) LIKE ? ESCAPE '\'
			OR LOWER(plain_text_body) LIKE ? ESCAPE '\'
			OR LOWER(html_body) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	return strings.Join(conditions, " AND "), args
}

// searchTerms splits a query into at most maxSearchTerms words
func searchTerms(q string) []string {
	terms := strings.Fields(q)
	if len(terms) > maxSearchTerms {
		terms = terms[:maxSearchTerms]
	}
	return terms
}

// ListFolder returns one page of a folder, newest first, and the folder's total size
func (db *DB) ListFolder(ctx context.Context, f InboxFilter) ([]*Email, int, error) {
	where, args := f.where()
	c := db.conn()

	var total int
	if err := c.queryRow(ctx, "SELECT COUNT(*) FROM emails WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count folder: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	pageArgs := append(append([]interface{}{}, args...), limit, f.Offset)

	rows, err := c.query(ctx, `SELECT `+emailColumns+` FROM emails WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list folder: %w", err)
	}
	emails, err := collectEmails(rows)
	if err != nil {
		return nil, 0, err
	}
	return emails, total, nil
}

// CountUnread counts unread inbound mail in the user's inbox
func (db *DB) CountUnread(ctx context.Context, userEmail string) (int, error) {
	conditions := []string{"direction = ?", "read_at IS NULL", "deleted_at IS NULL", "archived_at IS NULL"}
	args := []interface{}{string(DirectionInbound)}
	if user := strings.ToLower(strings.TrimSpace(userEmail)); user != "" {
		conditions = append(conditions, recipientClause)
		args = append(args, recipientPattern(user))
	}

	var n int
	err := db.conn().queryRow(ctx,
		"SELECT COUNT(*) FROM emails WHERE "+strings.Join(conditions, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}
