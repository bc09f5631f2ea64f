package parser

import (
	"bufio"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// WebhookFields are the text fields of an inbound-parse webhook post
type WebhookFields struct {
	From      string
	To        string
	CC        string
	Subject   string
	HTML      string
	Text      string
	Headers   string
	SpamScore string
	DKIM      string
	SPF       string
}

// FromWebhook builds an InboundMessage from already-decoded webhook fields.
// Threading headers and the date come from the raw header block, which may
// be empty or malformed.
func FromWebhook(f WebhookFields, attachments []InboundAttachment) *InboundMessage {
	msg := &InboundMessage{
		Subject:     strings.TrimSpace(f.Subject),
		From:        ExtractAddress(f.From),
		To:          ExtractAddressList(f.To),
		CC:          ExtractAddressList(f.CC),
		PlainText:   f.Text,
		HTML:        f.HTML,
		RawHeaders:  strings.TrimSpace(f.Headers),
		SpamScore:   strings.TrimSpace(f.SpamScore),
		DKIM:        strings.TrimSpace(f.DKIM),
		SPF:         strings.TrimSpace(f.SPF),
		Attachments: attachments,
	}
	if addrs, err := mail.ParseAddressList(f.From); err == nil && len(addrs) > 0 {
		msg.FromName = addrs[0].Name
	}

	if msg.RawHeaders == "" {
		return msg
	}
	raw := msg.RawHeaders + "\r\n\r\n"
	th, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		return msg
	}
	header := mail.Header{Header: message.Header{Header: th}}

	msg.MessageID = strings.TrimSpace(header.Get("Message-Id"))
	msg.InReplyTo = strings.TrimSpace(header.Get("In-Reply-To"))
	msg.References = parseMessageIDList(header.Get("References"))
	if date, err := header.Date(); err == nil {
		msg.Date = date
	}
	if msg.Subject == "" {
		msg.Subject = decodeMIMEWord(header.Get("Subject"))
	}
	if msg.DKIM == "" && msg.SPF == "" {
		msg.DKIM, msg.SPF = parseAuthResults(header.Get("Authentication-Results"))
	}
	return msg
}
