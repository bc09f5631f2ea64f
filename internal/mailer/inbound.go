package mailer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/parser"
	"github.com/felo/mailcore/internal/threading"
)

// Receive stores an inbound message on its thread. source names the
// channel that handed it over, e.g. "webhook" or "imap". Attachments that
// cannot be stored are logged and skipped.
func (d *Dispatcher) Receive(ctx context.Context, in *parser.InboundMessage, source string) (*db.Email, error) {
	if in == nil {
		return nil, invalid("", "message is required")
	}
	from := parser.ExtractAddress(in.From)
	if from == "" {
		return nil, invalid("from", "sender is required")
	}
	var to []string
	for _, addr := range in.To {
		if a := parser.ExtractAddress(addr); a != "" {
			to = append(to, a)
		}
	}
	if len(to) == 0 {
		return nil, invalid("to", "at least one recipient is required")
	}

	if in.MessageID != "" {
		existing, err := d.db.GetEmailByMessageID(ctx, in.MessageID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Direction == db.DirectionInbound {
			return existing, fmt.Errorf("%w: %s", ErrDuplicateMessage, in.MessageID)
		}
	}

	res, err := d.reconciler.ReconcileInbound(ctx, &threading.Inbound{
		From:       from,
		To:         to[0],
		Subject:    in.Subject,
		InReplyTo:  in.InReplyTo,
		References: in.References,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile thread: %w", err)
	}

	now := d.now()
	received := in.Date.UTC()
	if in.Date.IsZero() {
		received = now
	}

	messageID := in.MessageID
	if messageID == "" {
		messageID = newMessageID(from)
	}

	email := &db.Email{
		MessageID:     messageID,
		InReplyTo:     in.InReplyTo,
		References:    strings.Join(in.References, " "),
		ThreadID:      sql.NullInt64{Int64: res.Thread.ID, Valid: true},
		From:          from,
		To:            strings.Join(to, ";"),
		CC:            strings.Join(lowerAll(in.CC), ";"),
		Subject:       in.Subject,
		HTMLBody:      d.policy.Sanitize(in.HTML),
		PlainTextBody: in.PlainText,
		Direction:     db.DirectionInbound,
		Status:        db.StatusReceived,
		Provider:      source,
		Category:      res.Thread.Category,
		SupplierID:    res.Thread.SupplierID,
		BuyerID:       res.Thread.BuyerID,
		UserID:        res.Thread.UserID,
		MetaData:      inboundMeta(in),
		CreatedAt:     now,
		ReceivedAt:    db.NewNullTime(received),
	}

	rows, uploaded := d.stageInboundAttachments(ctx, in.Attachments)

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
		return nil, err
	}

	ok, err := d.db.TouchThread(context.WithoutCancel(ctx), res.Thread.ID, now, true)
	if err != nil {
		d.logger.Error("failed to update thread", "thread_id", res.Thread.ID, "error", err)
	} else if !ok {
		d.logger.Warn("thread vanished before update", "thread_id", res.Thread.ID)
	}

	d.logger.Info("email received",
		"email_id", email.ID,
		"thread_id", res.Thread.ID,
		"match", res.Match.String(),
		"source", source,
		"attachments", len(rows),
	)
	return email, nil
}

// stageInboundAttachments uploads every attachment to the blob store
func (d *Dispatcher) stageInboundAttachments(ctx context.Context, atts []parser.InboundAttachment) ([]*db.Attachment, []string) {
	var rows []*db.Attachment
	var uploaded []string
	for _, a := range atts {
		name := a.FileName
		if name == "" {
			name = "attachment"
		}
		contentType := parser.ContentTypeFor(name, a.ContentType)
		uri, err := d.blobs.Upload(ctx, a.Data, name, contentType)
		if err != nil {
			d.logger.Error("failed to store inbound attachment", "file_name", name, "error", err)
			continue
		}
		uploaded = append(uploaded, uri)

		row := &db.Attachment{
			FileName:    name,
			ContentType: contentType,
			BlobURL:     sql.NullString{String: uri, Valid: true},
			FileSize:    int64(len(a.Data)),
			IsInline:    a.IsInline,
		}
		if a.ContentID != "" {
			row.ContentID = sql.NullString{String: a.ContentID, Valid: true}
		}
		rows = append(rows, row)
	}
	return rows, uploaded
}

func inboundMeta(in *parser.InboundMessage) db.Metadata {
	meta := db.Metadata{}
	if in.RawHeaders != "" {
		meta["headers"] = in.RawHeaders
	}
	if in.SpamScore != "" {
		meta["spam_score"] = in.SpamScore
	}
	if in.DKIM != "" {
		meta["dkim"] = in.DKIM
	}
	if in.SPF != "" {
		meta["spf"] = in.SPF
	}
	if in.FromName != "" {
		meta["from_name"] = in.FromName
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func lowerAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = parser.ExtractAddress(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
