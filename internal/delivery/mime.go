package delivery

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// BuildMIME renders msg as an RFC 5322 message: multipart/mixed holding a
// multipart/alternative text and html body followed by the attachments.
func BuildMIME(msg *Message, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", toAddresses(msg.To))
	if len(msg.CC) > 0 {
		h.SetAddressList("Cc", toAddresses(msg.CC))
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
	}
	if msg.References != "" {
		h.Set("References", msg.References)
	}
	if msg.IsHighPriority {
		h.Set("X-Priority", "1")
		h.Set("Importance", "high")
	}

	// sorted so output is deterministic
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, msg.Headers[k])
	}

	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create mime writer: %w", err)
	}

	var alt message.Header
	alt.SetContentType("multipart/alternative", nil)
	aw, err := mw.CreatePart(alt)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeText(aw, "text/plain", msg.PlainView()); err != nil {
		return nil, err
	}
	if msg.HTMLBody != "" {
		if err := writeText(aw, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close body part: %w", err)
	}

	for _, att := range msg.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		disposition := "attachment"
		if att.IsInline {
			disposition = "inline"
		}

		var ah message.Header
		ah.SetContentType(ct, map[string]string{"name": att.FileName})
		ah.SetContentDisposition(disposition, map[string]string{"filename": att.FileName})
		ah.Set("Content-Transfer-Encoding", "base64")
		if att.IsInline && att.ContentID != "" {
			ah.Set("Content-Id", "<"+strings.Trim(att.ContentID, "<>")+">")
		}

		w, err := mw.CreatePart(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeText(parent *message.Writer, contentType, body string) error {
	var th message.Header
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := parent.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close %s part: %w", contentType, err)
	}
	return nil
}

func toAddresses(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
