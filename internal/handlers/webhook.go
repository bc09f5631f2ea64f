package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sort"

	"github.com/felo/mailcore/internal/mailer"
	"github.com/felo/mailcore/internal/parser"
)

const (
	webhookSource    = "webhook"
	webhookMaxMemory = 32 << 20
)

// InboundWebhook handles POST /api/webhook/inbound, the multipart post of an
// inbound-parse provider. It always answers 200 so the provider does not
// redeliver; failures are logged.
func (h *Handlers) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	if err := r.ParseMultipartForm(webhookMaxMemory); err != nil {
		h.logger.Error("failed to parse inbound webhook", "error", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := r.MultipartForm
	field := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	atts, err := readWebhookFiles(form)
	if err != nil {
		h.logger.Error("failed to read inbound attachments", "error", err)
		return
	}

	// SendGrid posts the spf verdict upper-cased
	spf := field("SPF")
	if spf == "" {
		spf = field("spf")
	}

	in := parser.FromWebhook(parser.WebhookFields{
		From:      field("from"),
		To:        field("to"),
		CC:        field("cc"),
		Subject:   field("subject"),
		HTML:      field("html"),
		Text:      field("text"),
		Headers:   field("headers"),
		SpamScore: field("spam_score"),
		DKIM:      field("dkim"),
		SPF:       spf,
	}, atts)

	email, err := h.mailer.Receive(r.Context(), in, webhookSource)
	switch {
	case errors.Is(err, mailer.ErrDuplicateMessage):
		h.logger.Info("ignored duplicate inbound email", "message_id", in.MessageID)
	case err != nil:
		h.logger.Error("failed to process inbound email", "from", in.From, "subject", in.Subject, "error", err)
	default:
		h.logger.Debug("inbound webhook processed", "email_id", email.ID)
	}
}

// readWebhookFiles loads every uploaded file, ordered by form field name
// (attachment1, attachment2, ...)
func readWebhookFiles(form *multipart.Form) ([]parser.InboundAttachment, error) {
	keys := make([]string, 0, len(form.File))
	for k := range form.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var atts []parser.InboundAttachment
	for _, k := range keys {
		for _, fh := range form.File[k] {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			atts = append(atts, parser.InboundAttachment{
				FileName:    fh.Filename,
				ContentType: parser.ContentTypeFor(fh.Filename, fh.Header.Get("Content-Type")),
				Data:        data,
			})
		}
	}
	return atts, nil
}
