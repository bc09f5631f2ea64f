package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postWebhook(t *testing.T, s *testServer, fields map[string]string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	i := 0
	for name, content := range files {
		i++
		fw, err := mw.CreateFormFile("attachment"+string(rune('0'+i)), name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/inbound", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// TestInboundHTMLSanitization checks that hostile markup posted by the
// inbound webhook never reaches storage
func TestInboundHTMLSanitization(t *testing.T) {
	tests := []struct {
		name             string
		input            string
		shouldContain    []string
		shouldNotContain []string
	}{
		{
			name:             "Script tag removal",
			input:            "<p>Hello</p><script>alert('XSS')</script>",
			shouldContain:    []string{"<p>Hello</p>"},
			shouldNotContain: []string{"<script>", "alert"},
		},
		{
			name:             "Event handler removal",
			input:            `<img src="x" onerror="alert('XSS')">`,
			shouldNotContain: []string{"onerror", "alert"},
		},
		{
			name:             "JavaScript protocol removal",
			input:            `<a href="javascript:alert('XSS')">Click</a>`,
			shouldContain:    []string{"Click"},
			shouldNotContain: []string{"javascript:"},
		},
		{
			name:             "Iframe removal",
			input:            `<iframe src="evil.com"></iframe>`,
			shouldNotContain: []string{"<iframe", "evil.com"},
		},
		{
			name:             "SVG onload removal",
			input:            `<svg onload="alert('XSS')"></svg>`,
			shouldNotContain: []string{"onload", "alert"},
		},
		{
			name:             "Safe content preservation",
			input:            `<p>Safe text</p><a href="https://example.com">Link</a>`,
			shouldContain:    []string{"<p>Safe text</p>", "https://example.com", "Link"},
		},
	}

	s := setupTestHandlers(t, true)
	ctx := context.Background()

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "<xss-" + string(rune('a'+i)) + "@shop.test>"
			w := postWebhook(t, s, map[string]string{
				"from":    "attacker@shop.test",
				"to":      "sales@acme.test",
				"subject": tt.name,
				"html":    tt.input,
				"headers": "Message-ID: " + id,
			}, nil)
			require.Equal(t, http.StatusOK, w.Code)

			email, err := s.db.GetEmailByMessageID(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, email)

			for _, expected := range tt.shouldContain {
				assert.Contains(t, email.HTMLBody, expected)
			}
			for _, notExpected := range tt.shouldNotContain {
				assert.NotContains(t, email.HTMLBody, notExpected)
			}
		})
	}
}

func TestInboundWebhook(t *testing.T) {
	s := setupTestHandlers(t, true)
	ctx := context.Background()

	fields := map[string]string{
		"from":       "Buyer <buyer@shop.test>",
		"to":         "sales@acme.test",
		"subject":    "Purchase order",
		"text":       "PO attached",
		"headers":    "Message-ID: <po-1@shop.test>\nDate: Thu, 05 Mar 2026 10:00:00 +0000",
		"spam_score": "0.1",
		"dkim":       "{@shop.test : pass}",
		"SPF":        "pass",
	}
	w := postWebhook(t, s, fields, map[string]string{"po.pdf": "%PDF-1.4 order"})
	require.Equal(t, http.StatusOK, w.Code)

	email, err := s.db.GetEmailByMessageID(ctx, "<po-1@shop.test>")
	require.NoError(t, err)
	require.NotNil(t, email)
	assert.Equal(t, "webhook", email.Provider)
	assert.Equal(t, "buyer@shop.test", email.From)
	assert.Equal(t, "pass", email.MetaData["spf"])
	assert.True(t, email.ThreadID.Valid)

	atts, err := s.db.ListAttachments(ctx, email.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "po.pdf", atts[0].FileName)
	assert.Equal(t, "application/pdf", atts[0].ContentType)
	assert.True(t, atts[0].BlobURL.Valid)

	// a redelivery is acknowledged without a second row
	w = postWebhook(t, s, fields, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	n, err := s.db.CountEmails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInboundWebhook_AlwaysOK(t *testing.T) {
	s := setupTestHandlers(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/inbound", strings.NewReader("garbage"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postWebhook(t, s, map[string]string{"subject": "no sender"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	n, err := s.db.CountEmails(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
