package delivery

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *Message {
	return &Message{
		EmailID:        42,
		MessageID:      "<abc@acme.test>",
		InReplyTo:      "<parent@acme.test>",
		References:     "<root@acme.test> <parent@acme.test>",
		From:           "orders@acme.test",
		FromName:       "Acme Orders",
		To:             []string{"buyer@shop.test"},
		CC:             []string{"audit@acme.test"},
		BCC:            []string{"hidden@acme.test"},
		Subject:        "Invoice 1001",
		HTMLBody:       `<p>See <a href="https://acme.test/i/1001">invoice</a></p>`,
		PlainTextBody:  "See invoice",
		IsHighPriority: true,
		Headers:        map[string]string{"X-Mailcore-EmailId": "42"},
		Attachments: []Attachment{
			{FileName: "invoice.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
			{FileName: "logo.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}, IsInline: true, ContentID: "logo"},
		},
	}
}

func TestBuildMIME(t *testing.T) {
	raw, err := BuildMIME(sampleMessage(), time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Invoice 1001", subject)

	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "orders@acme.test", from[0].Address)
	assert.Equal(t, "Acme Orders", from[0].Name)

	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, "abc@acme.test", id)

	assert.Equal(t, "<parent@acme.test>", mr.Header.Get("In-Reply-To"))
	assert.Equal(t, "42", mr.Header.Get("X-Mailcore-EmailId"))
	assert.Equal(t, "1", mr.Header.Get("X-Priority"))
	assert.Empty(t, mr.Header.Get("Bcc"), "bcc must stay off the wire")

	var texts []string
	var files []string
	var inlineID string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct == "text/plain" || ct == "text/html" {
				texts = append(texts, ct)
				continue
			}
			inlineID = h.Get("Content-Id")
			files = append(files, "inline:"+string(body))
		case *mail.AttachmentHeader:
			name, err := h.Filename()
			require.NoError(t, err)
			files = append(files, name)
			assert.Equal(t, "%PDF-1.4", string(body))
		}
	}

	assert.Equal(t, []string{"text/plain", "text/html"}, texts)
	assert.Contains(t, files, "invoice.pdf")
	assert.Equal(t, "<logo>", inlineID)
}

func TestBuildMIME_EmptyBody(t *testing.T) {
	msg := &Message{From: "a@acme.test", To: []string{"b@shop.test"}, Subject: "ping"}
	raw, err := BuildMIME(msg, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Content-Type: text/plain")
}

// textParts collects the body of every text/* part by content type
func textParts(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	parts := map[string]string{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(p.Body)
			require.NoError(t, err)
			parts[ct] = string(body)
		}
	}
}

func TestBuildMIME_HTMLOnlyGetsPlainView(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{name: "text from markup", html: "<p>Your order &amp; invoice</p> <p>ship<b>ped</b></p>", want: "Your order & invoice shipped"},
		{name: "scripts dropped", html: "<p>hi</p><script>alert(1)</script>", want: "hi"},
		{name: "no readable text", html: `<img src="cid:logo">`, want: htmlOnlyFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{From: "a@acme.test", To: []string{"b@shop.test"}, Subject: "html only", HTMLBody: tt.html}
			raw, err := BuildMIME(msg, time.Now())
			require.NoError(t, err)

			parts := textParts(t, raw)
			assert.Equal(t, tt.want, parts["text/plain"])
			assert.Equal(t, tt.html, parts["text/html"])
		})
	}
}

func TestPlainView(t *testing.T) {
	assert.Equal(t, "given", (&Message{PlainTextBody: "given", HTMLBody: "<p>other</p>"}).PlainView())
	assert.Equal(t, " ", (&Message{}).PlainView())
}

func TestSplitAddresses(t *testing.T) {
	assert.Equal(t, []string{"a@x.test", "b@x.test", "c@x.test"}, SplitAddresses(" a@x.test; b@x.test,c@x.test ;"))
	assert.Empty(t, SplitAddresses(""))
}

func TestExtractFirstLink(t *testing.T) {
	assert.Equal(t, "https://acme.test/i/1001", ExtractFirstLink(sampleMessage().HTMLBody))
	assert.Equal(t, "/x", ExtractFirstLink(`<a href='/x'>a</a><a href="/y">b</a>`))
	assert.Empty(t, ExtractFirstLink("no links here"))
}
