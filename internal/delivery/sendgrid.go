package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridEndpoint = "/v3/mail/send"

// SendGridTransport delivers through the SendGrid v3 mail API
type SendGridTransport struct {
	apiKey string
	host   string
}

// NewSendGridTransport creates the HTTP API channel. An empty host uses the public API.
func NewSendGridTransport(apiKey, host string) *SendGridTransport {
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendGridTransport{apiKey: apiKey, host: strings.TrimRight(host, "/")}
}

func (t *SendGridTransport) Name() string { return "sendgrid" }

// Send posts the message. 2xx is accepted; 401/403 responses complaining
// about regional restrictions are soft failures.
func (t *SendGridTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	req := sendgrid.GetRequest(t.apiKey, sendGridEndpoint, t.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(t.build(msg))

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return nil, &TransportError{Channel: t.Name(), Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result := &Result{Provider: t.Name()}
		if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
			result.ProviderMessageID = ids[0]
		}
		return result, nil
	}

	soft := (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) &&
		strings.Contains(strings.ToLower(resp.Body), "regional")
	return nil, &TransportError{
		Channel:    t.Name(),
		Soft:       soft,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("api rejected message: %s", truncate(resp.Body, 300)),
	}
}

func (t *SendGridTransport) build(msg *Message) *sgmail.SGMailV3 {
	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail(msg.FromName, msg.From))
	m.Subject = msg.Subject

	p := sgmail.NewPersonalization()
	for _, a := range msg.To {
		p.AddTos(sgmail.NewEmail("", a))
	}
	for _, a := range msg.CC {
		p.AddCCs(sgmail.NewEmail("", a))
	}
	for _, a := range msg.BCC {
		p.AddBCCs(sgmail.NewEmail("", a))
	}
	m.AddPersonalizations(p)

	// the API requires text/plain ahead of text/html
	m.AddContent(sgmail.NewContent("text/plain", msg.PlainView()))
	if msg.HTMLBody != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTMLBody))
	}

	for _, att := range msg.Attachments {
		a := sgmail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(att.Data))
		a.SetFilename(att.FileName)
		if att.ContentType != "" {
			a.SetType(att.ContentType)
		}
		if att.IsInline {
			a.SetDisposition("inline")
			a.SetContentID(strings.Trim(att.ContentID, "<>"))
		} else {
			a.SetDisposition("attachment")
		}
		m.AddAttachment(a)
	}

	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetHeader("X-Method", "API")
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if msg.References != "" {
		m.SetHeader("References", msg.References)
	}
	if msg.IsHighPriority {
		m.SetHeader("X-Priority", "1")
	}
	if msg.Category != "" {
		m.AddCategories(msg.Category)
	}

	ts := sgmail.NewTrackingSettings()
	ts.SetClickTracking(sgmail.NewClickTrackingSetting().SetEnable(false))
	m.SetTrackingSettings(ts)
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
