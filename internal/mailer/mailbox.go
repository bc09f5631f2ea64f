package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/felo/mailcore/internal/blob"
	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/janitor"
)

// MarkRead stamps read_at once and refreshes the thread's unread flag
func (d *Dispatcher) MarkRead(ctx context.Context, id int64) (*db.Email, error) {
	return d.stamp(ctx, id, d.db.MarkRead, true)
}

// SoftDelete hides an email until the janitor purges it
func (d *Dispatcher) SoftDelete(ctx context.Context, id int64) (*db.Email, error) {
	return d.stamp(ctx, id, d.db.SoftDelete, true)
}

// Archive moves an email out of the inbox without touching its thread
func (d *Dispatcher) Archive(ctx context.Context, id int64) (*db.Email, error) {
	return d.stamp(ctx, id, d.db.Archive, false)
}

func (d *Dispatcher) stamp(ctx context.Context, id int64, set func(context.Context, int64, time.Time) (bool, error), recompute bool) (*db.Email, error) {
	email, err := d.getEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, err := set(ctx, id, d.now())
	if err != nil {
		return nil, err
	}
	if changed && recompute {
		d.recompute(ctx, email)
	}
	return d.getEmail(ctx, id)
}

// Restore clears deleted_at and archived_at
func (d *Dispatcher) Restore(ctx context.Context, id int64) (*db.Email, error) {
	email, err := d.getEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.db.Restore(ctx, id); err != nil {
		return nil, err
	}
	d.recompute(ctx, email)
	return d.getEmail(ctx, id)
}

// PermanentDelete removes an email, its attachments and unshared blobs now,
// then refreshes or removes its thread
func (d *Dispatcher) PermanentDelete(ctx context.Context, id int64) error {
	email, err := d.getEmail(ctx, id)
	if err != nil {
		return err
	}
	if _, err := janitor.PurgeEmail(ctx, d.db, d.blobs, d.logger, id); err != nil {
		return err
	}
	d.recompute(ctx, email)
	d.logger.Info("email permanently deleted", "email_id", id)
	return nil
}

// InboxQuery selects one page of a user's mailbox
type InboxQuery struct {
	UserEmail string
	Page      int
	PageSize  int
	Folder    string
	Category  string
	Search    string
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetInbox returns one page of a folder plus the user's unread count
func (d *Dispatcher) GetInbox(ctx context.Context, q InboxQuery) (*InboxPage, error) {
	user := strings.TrimSpace(q.UserEmail)
	if user == "" {
		return nil, invalid("userEmail", "userEmail is required")
	}
	page := max(q.Page, 1)
	size := q.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)

	emails, total, err := d.db.ListFolder(ctx, db.InboxFilter{
		UserEmail: user,
		Folder:    db.ParseFolder(q.Folder),
		Category:  strings.TrimSpace(q.Category),
		Search:    q.Search,
		Limit:     size,
		Offset:    (page - 1) * size,
	})
	if err != nil {
		return nil, err
	}
	unread, err := d.db.CountUnread(ctx, user)
	if err != nil {
		return nil, err
	}

	out := &InboxPage{
		Page:        page,
		PageSize:    size,
		TotalCount:  total,
		UnreadCount: unread,
		Emails:      make([]EmailView, 0, len(emails)),
	}
	for _, e := range emails {
		out.Emails = append(out.Emails, newEmailView(e, nil))
	}
	return out, nil
}

// GetThread returns a thread with its visible emails, oldest first
func (d *Dispatcher) GetThread(ctx context.Context, id int64) (*ThreadView, error) {
	t, err := d.db.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %d", ErrThreadNotFound, id)
	}
	emails, err := d.db.ListThreadEmails(ctx, id)
	if err != nil {
		return nil, err
	}

	view := newThreadView(t)
	for _, e := range emails {
		atts, err := d.db.ListAttachments(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		view.Emails = append(view.Emails, newEmailView(e, atts))
	}
	return view, nil
}

// GetEmail returns one email with its attachment metadata
func (d *Dispatcher) GetEmail(ctx context.Context, id int64) (*EmailView, error) {
	email, err := d.getEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	atts, err := d.db.ListAttachments(ctx, id)
	if err != nil {
		return nil, err
	}
	view := newEmailView(email, atts)
	return &view, nil
}

// AttachmentDownload is either inline content or a timed blob URL
type AttachmentDownload struct {
	Attachment  *db.Attachment
	Data        []byte
	RedirectURL string
}

// OpenAttachment resolves an attachment for download. Blob-backed content
// is handed out as a timed URL instead of being proxied.
func (d *Dispatcher) OpenAttachment(ctx context.Context, id int64) (*AttachmentDownload, error) {
	att, err := d.db.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if att == nil {
		return nil, fmt.Errorf("%w: %d", ErrAttachmentNotFound, id)
	}
	if !att.BlobURL.Valid {
		return &AttachmentDownload{Attachment: att, Data: att.Content}, nil
	}
	url, err := d.blobs.TimedDownloadURL(ctx, att.BlobURL.String, d.opts.DownloadTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attachment download: %w", err)
	}
	d.logger.Debug("attachment download issued", "attachment_id", id, "url", blob.Redact(url))
	return &AttachmentDownload{Attachment: att, RedirectURL: url}, nil
}

// attachmentContent returns the bytes of an attachment wherever they live
func (d *Dispatcher) attachmentContent(ctx context.Context, att *db.Attachment) ([]byte, error) {
	if !att.BlobURL.Valid {
		return att.Content, nil
	}
	data, err := d.blobs.Download(ctx, att.BlobURL.String)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachment %q: %w", att.FileName, err)
	}
	return data, nil
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
