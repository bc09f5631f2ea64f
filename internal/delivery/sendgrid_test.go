package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSendGridServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if captured != nil {
			require.NoError(t, json.Unmarshal(raw, captured))
		}

		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendGrid_Accepted(t *testing.T) {
	var payload map[string]any
	srv := newSendGridServer(t, http.StatusAccepted, "", &payload)
	tr := NewSendGridTransport("test-key", srv.URL)

	res, err := tr.Send(context.Background(), sampleMessage())
	require.NoError(t, err)
	assert.Equal(t, "sendgrid", res.Provider)
	assert.Equal(t, "sg-123", res.ProviderMessageID)

	assert.Equal(t, "Invoice 1001", payload["subject"])

	headers, ok := payload["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "API", headers["X-Method"])
	assert.Equal(t, "42", headers["X-Mailcore-EmailId"])
	assert.Equal(t, "<parent@acme.test>", headers["In-Reply-To"])

	content, ok := payload["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 2)
	assert.Equal(t, "text/plain", content[0].(map[string]any)["type"])

	tracking := payload["tracking_settings"].(map[string]any)
	click := tracking["click_tracking"].(map[string]any)
	assert.Equal(t, false, click["enable"])

	atts := payload["attachments"].([]any)
	require.Len(t, atts, 2)
	inline := atts[1].(map[string]any)
	assert.Equal(t, "inline", inline["disposition"])
	assert.Equal(t, "logo", inline["content_id"])
}

func TestSendGrid_HTMLOnlyGetsPlainView(t *testing.T) {
	var payload map[string]any
	srv := newSendGridServer(t, http.StatusAccepted, "", &payload)
	msg := sampleMessage()
	msg.PlainTextBody = ""

	_, err := NewSendGridTransport("test-key", srv.URL).Send(context.Background(), msg)
	require.NoError(t, err)

	content := payload["content"].([]any)
	require.Len(t, content, 2)
	plain := content[0].(map[string]any)
	assert.Equal(t, "text/plain", plain["type"])
	assert.Equal(t, "See invoice", plain["value"])
	assert.Equal(t, "text/html", content[1].(map[string]any)["type"])
}

func TestSendGrid_RegionalRejectionIsSoft(t *testing.T) {
	srv := newSendGridServer(t, http.StatusForbidden, `{"errors":[{"message":"access forbidden by regional policy"}]}`, nil)
	tr := NewSendGridTransport("test-key", srv.URL)

	_, err := tr.Send(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.True(t, IsSoft(err))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
}

func TestSendGrid_OtherFailuresAreHard(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest, http.StatusInternalServerError} {
		srv := newSendGridServer(t, status, `{"errors":[{"message":"nope"}]}`, nil)
		tr := NewSendGridTransport("test-key", srv.URL)

		_, err := tr.Send(context.Background(), sampleMessage())
		require.Error(t, err, "status %d", status)
		assert.False(t, IsSoft(err), "status %d", status)
	}
}
