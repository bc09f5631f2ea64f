package mailer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/delivery"
	"github.com/felo/mailcore/internal/threading"
)

const metaProviderMessageID = "provider_message_id"

// threadLink carries the conversation an outbound email continues
type threadLink struct {
	threadID   sql.NullInt64
	inReplyTo  string
	references string
}

func linkTo(orig *db.Email) *threadLink {
	return &threadLink{
		threadID:   orig.ThreadID,
		inReplyTo:  orig.MessageID,
		references: joinReferences(orig.References, orig.MessageID),
	}
}

// Send validates, stores and delivers one email. The returned email carries
// the final status; a delivery failure is not an error.
func (d *Dispatcher) Send(ctx context.Context, req *EmailRequest) (*db.Email, error) {
	p, err := d.prepare(req, false)
	if err != nil {
		return nil, err
	}

	var link *threadLink
	if req.ReplyToEmailID != nil {
		orig, err := d.getEmail(ctx, *req.ReplyToEmailID)
		if err != nil {
			return nil, err
		}
		link = linkTo(orig)
	}

	email, atts, err := d.store(ctx, p, db.StatusPending, link)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, email, atts)
}

// SendReply answers an existing email, creating its thread first when the
// original has none. From and To default to the original's swapped.
func (d *Dispatcher) SendReply(ctx context.Context, originalID int64, req *EmailRequest) (*db.Email, error) {
	if req == nil {
		return nil, invalid("", "request is required")
	}
	orig, err := d.getEmail(ctx, originalID)
	if err != nil {
		return nil, err
	}

	reply := *req
	if strings.TrimSpace(reply.From) == "" {
		if to := delivery.SplitAddresses(orig.To); len(to) > 0 {
			reply.From = to[0]
		}
	}
	if strings.TrimSpace(reply.To) == "" {
		reply.To = orig.From
	}
	base := orig.Subject
	if threading.HasReplyPrefix(reply.Subject) {
		base = reply.Subject
	}
	reply.Subject = threading.ReplySubject(base)
	if reply.Category == "" {
		reply.Category = orig.Category
	}

	p, err := d.prepare(&reply, false)
	if err != nil {
		return nil, err
	}

	threadID, err := d.ensureThread(ctx, orig)
	if err != nil {
		return nil, err
	}
	link := linkTo(orig)
	link.threadID = sql.NullInt64{Int64: threadID, Valid: true}

	email, atts, err := d.store(ctx, p, db.StatusPending, link)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, email, atts)
}

// ensureThread returns the original's thread, creating one that already
// counts the original when it has none
func (d *Dispatcher) ensureThread(ctx context.Context, orig *db.Email) (int64, error) {
	if orig.ThreadID.Valid {
		t, err := d.db.GetThread(ctx, orig.ThreadID.Int64)
		if err != nil {
			return 0, err
		}
		if t != nil {
			return t.ID, nil
		}
	}

	t := &db.Thread{
		Subject:        orig.Subject,
		Participants:   db.NewParticipants(append([]string{orig.From}, delivery.SplitAddresses(orig.To)...)...),
		EmailCount:     1,
		HasUnread:      orig.IsUnread(),
		LastActivityAt: orig.CreatedAt,
		Category:       orig.Category,
		SupplierID:     orig.SupplierID,
		BuyerID:        orig.BuyerID,
		UserID:         orig.UserID,
	}
	claimed := false
	err := d.db.InTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.CreateThread(ctx, t); err != nil {
			return err
		}
		var err error
		claimed, err = tx.ClaimEmailThread(ctx, orig.ID, t.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return errThreadClaimed
		}
		return nil
	})
	if errors.Is(err, errThreadClaimed) {
		// a concurrent reply linked the original first
		current, err := d.getEmail(ctx, orig.ID)
		if err != nil {
			return 0, err
		}
		return current.ThreadID.Int64, nil
	}
	if err != nil {
		return 0, err
	}
	d.logger.Debug("thread created for reply", "thread_id", t.ID, "email_id", orig.ID)
	return t.ID, nil
}

var errThreadClaimed = errors.New("email already threaded")

// store uploads large attachments, then inserts the email and its
// attachment rows in one transaction
func (d *Dispatcher) store(ctx context.Context, p *preparedRequest, status db.Status, link *threadLink) (*db.Email, []delivery.Attachment, error) {
	email := p.newEmail(status, d.now())
	if link != nil {
		email.ThreadID = link.threadID
		email.InReplyTo = link.inReplyTo
		email.References = link.references
	}

	rows, uploaded, err := d.stageAttachments(ctx, p.attachments)
	if err != nil {
		return nil, nil, err
	}

	err = d.db.InTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.InsertEmail(ctx, email); err != nil {
			return err
		}
		for _, att := range rows {
			att.EmailID = email.ID
			if _, err := tx.InsertAttachment(ctx, att); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.discardBlobs(ctx, uploaded)
		return nil, nil, err
	}

	atts := make([]delivery.Attachment, 0, len(p.attachments))
	for _, a := range p.attachments {
		atts = append(atts, delivery.Attachment{
			FileName:    a.fileName,
			ContentType: a.contentType,
			Data:        a.data,
			IsInline:    a.isInline,
			ContentID:   a.contentID,
		})
	}
	return email, atts, nil
}

// stageAttachments builds attachment rows, moving content above the
// database limit into the blob store
func (d *Dispatcher) stageAttachments(ctx context.Context, atts []preparedAttachment) ([]*db.Attachment, []string, error) {
	var rows []*db.Attachment
	var uploaded []string
	for _, a := range atts {
		row := &db.Attachment{
			FileName:    a.fileName,
			ContentType: a.contentType,
			FileSize:    int64(len(a.data)),
			IsInline:    a.isInline,
		}
		if a.contentID != "" {
			row.ContentID = sql.NullString{String: a.contentID, Valid: true}
		}
		if len(a.data) > d.opts.DBContentLimit {
			uri, err := d.blobs.Upload(ctx, a.data, a.fileName, a.contentType)
			if err != nil {
				d.discardBlobs(ctx, uploaded)
				return nil, nil, fmt.Errorf("failed to store attachment %q: %w", a.fileName, err)
			}
			uploaded = append(uploaded, uri)
			row.BlobURL = sql.NullString{String: uri, Valid: true}
		} else {
			row.Content = a.data
		}
		rows = append(rows, row)
	}
	return rows, uploaded, nil
}

// deliver hands a Pending email to the channels and records the outcome.
// The outcome is recorded even if ctx is cancelled meanwhile.
func (d *Dispatcher) deliver(ctx context.Context, email *db.Email, atts []delivery.Attachment) (*db.Email, error) {
	msg := &delivery.Message{
		EmailID:        email.ID,
		MessageID:      email.MessageID,
		InReplyTo:      email.InReplyTo,
		References:     email.References,
		From:           email.From,
		To:             delivery.SplitAddresses(email.To),
		CC:             delivery.SplitAddresses(email.CC),
		BCC:            delivery.SplitAddresses(email.BCC),
		Subject:        email.Subject,
		HTMLBody:       email.HTMLBody,
		PlainTextBody:  email.PlainTextBody,
		Category:       email.Category,
		IsHighPriority: email.IsHighPriority,
		Headers: map[string]string{
			"X-Mailcore-EmailId": strconv.FormatInt(email.ID, 10),
		},
		Attachments: atts,
	}
	if email.Category != "" {
		msg.Headers["X-Mailcore-Category"] = email.Category
	}

	out := d.deliverer.Deliver(ctx, msg)

	wctx := context.WithoutCancel(ctx)
	now := d.now()
	var err error
	if out.Success {
		meta := copyMeta(email.MetaData)
		if out.ProviderMessageID != "" {
			if meta == nil {
				meta = db.Metadata{}
			}
			meta[metaProviderMessageID] = out.ProviderMessageID
		}
		err = d.db.TransitionStatus(wctx, email.ID, db.StatusPending, db.StatusSent, db.StatusUpdate{
			At:       now,
			Provider: out.Provider,
			MetaData: meta,
		})
		d.logger.Info("email sent", "email_id", email.ID, "provider", out.Provider)
	} else {
		reason := "no delivery channel accepted the message"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		err = d.db.TransitionStatus(wctx, email.ID, db.StatusPending, db.StatusFailed, db.StatusUpdate{
			At:           now,
			ErrorMessage: reason,
		})
		d.logger.Warn("email delivery failed", "email_id", email.ID, "error", reason)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record delivery of email %d: %w", email.ID, err)
	}

	if email.ThreadID.Valid {
		ok, err := d.db.TouchThread(wctx, email.ThreadID.Int64, now, false)
		if err != nil {
			d.logger.Error("failed to update thread", "thread_id", email.ThreadID.Int64, "error", err)
		} else if !ok {
			d.logger.Warn("thread vanished before update", "thread_id", email.ThreadID.Int64)
		}
	}
	return d.getEmail(wctx, email.ID)
}

// SendBulk sends requests in batches, concurrently within a batch and with
// a pause between batches. Results keep the input order. Cancelling ctx
// stops later batches; their items report the context error.
func (d *Dispatcher) SendBulk(ctx context.Context, reqs []*EmailRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	for i := range results {
		results[i].Index = i
	}

	for start := 0; start < len(reqs); start += d.opts.BatchSize {
		if start > 0 && d.opts.BatchDelay > 0 {
			timer := time.NewTimer(d.opts.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			for i := start; i < len(reqs); i++ {
				results[i].Err = err
			}
			break
		}

		end := min(start+d.opts.BatchSize, len(reqs))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i].Email, results[i].Err = d.Send(ctx, reqs[i])
			}(i)
		}
		wg.Wait()
	}
	return results
}

// Resend delivers a stored email again as a new email
func (d *Dispatcher) Resend(ctx context.Context, id int64) (*db.Email, error) {
	orig, err := d.getEmail(ctx, id)
	if err != nil {
		return nil, err
	}

	stored, err := d.db.ListAttachments(ctx, orig.ID)
	if err != nil {
		return nil, err
	}
	atts := make([]AttachmentRequest, 0, len(stored))
	for _, a := range stored {
		data, err := d.attachmentContent(ctx, a)
		if err != nil {
			return nil, err
		}
		atts = append(atts, AttachmentRequest{
			FileName:      a.FileName,
			ContentType:   a.ContentType,
			Base64Content: encodeBase64(data),
			IsInline:      a.IsInline,
			ContentID:     a.ContentID.String,
		})
	}

	p, err := d.prepare(requestFromEmail(orig, atts), false)
	if err != nil {
		return nil, err
	}
	link := &threadLink{threadID: orig.ThreadID, inReplyTo: orig.InReplyTo, references: orig.References}
	email, deliveryAtts, err := d.store(ctx, p, db.StatusPending, link)
	if err != nil {
		return nil, err
	}
	d.logger.Info("resending email", "email_id", orig.ID, "new_email_id", email.ID)
	return d.deliver(ctx, email, deliveryAtts)
}

// SaveDraft stores a request as a Draft without delivering it
func (d *Dispatcher) SaveDraft(ctx context.Context, req *EmailRequest) (*db.Email, error) {
	p, err := d.prepare(req, true)
	if err != nil {
		return nil, err
	}
	var link *threadLink
	if req.ReplyToEmailID != nil {
		orig, err := d.getEmail(ctx, *req.ReplyToEmailID)
		if err != nil {
			return nil, err
		}
		link = linkTo(orig)
	}
	email, _, err := d.store(ctx, p, db.StatusDraft, link)
	return email, err
}

// SendDraft moves a draft into the send pipeline and delivers it
func (d *Dispatcher) SendDraft(ctx context.Context, id int64) (*db.Email, error) {
	draft, err := d.getEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != db.StatusDraft {
		return nil, fmt.Errorf("%w: email %d is %s", ErrNotDraft, id, draft.Status)
	}

	// a draft must be complete before it leaves
	if _, err := d.prepare(requestFromEmail(draft, nil), false); err != nil {
		return nil, err
	}

	stored, err := d.db.ListAttachments(ctx, draft.ID)
	if err != nil {
		return nil, err
	}
	atts := make([]delivery.Attachment, 0, len(stored))
	for _, a := range stored {
		data, err := d.attachmentContent(ctx, a)
		if err != nil {
			return nil, err
		}
		atts = append(atts, delivery.Attachment{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Data:        data,
			IsInline:    a.IsInline,
			ContentID:   a.ContentID.String,
		})
	}

	err = d.db.TransitionStatus(ctx, draft.ID, db.StatusDraft, db.StatusPending, db.StatusUpdate{At: d.now()})
	if errors.Is(err, db.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: email %d", ErrNotDraft, id)
	}
	if err != nil {
		return nil, err
	}
	draft.Status = db.StatusPending
	return d.deliver(ctx, draft, atts)
}
