// Package delivery hands finished messages to outbound channels. Each channel
// implements SendTransport; a Selector tries them in a fixed order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Attachment is one file carried by a Message
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
	IsInline    bool
	ContentID   string
}

// Message is everything a channel needs to deliver one email
type Message struct {
	EmailID        int64
	MessageID      string // with angle brackets
	InReplyTo      string
	References     string
	From           string
	FromName       string
	To             []string
	CC             []string
	BCC            []string
	Subject        string
	HTMLBody       string
	PlainTextBody  string
	Category       string
	IsHighPriority bool
	Headers        map[string]string // custom diagnostic headers, X-* by convention
	Attachments    []Attachment
}

// Recipients returns every envelope recipient
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	out = append(out, m.To...)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// htmlOnlyFallback is the text view of an HTML body with no readable text
const htmlOnlyFallback = "Please view this email in HTML format."

var stripTags = bluemonday.StrictPolicy()

// PlainView returns the text/plain view sent alongside the HTML body. An
// HTML-only message gets the text of its markup, or htmlOnlyFallback when
// the markup holds no text.
func (m *Message) PlainView() string {
	if m.PlainTextBody != "" {
		return m.PlainTextBody
	}
	if m.HTMLBody == "" {
		return " "
	}
	text := strings.Join(strings.Fields(html.UnescapeString(stripTags.Sanitize(m.HTMLBody))), " ")
	if text == "" {
		return htmlOnlyFallback
	}
	return text
}

// Result describes an accepted delivery
type Result struct {
	Provider          string
	ProviderMessageID string
}

// SendTransport is one delivery channel
type SendTransport interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// TransportError is a failed channel attempt. Soft failures are expected,
// configuration related conditions that should quietly fall through.
type TransportError struct {
	Channel    string
	Soft       bool
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Channel)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Soft {
		b.WriteString(" [soft]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsSoft reports whether err is a soft transport failure
func IsSoft(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Soft
}

// SplitAddresses splits a semicolon or comma separated list into trimmed addresses
func SplitAddresses(list string) []string {
	fields := strings.FieldsFunc(list, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
