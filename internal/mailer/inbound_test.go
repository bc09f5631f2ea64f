package mailer

import (
	"context"
	"testing"
	"time"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboundMessage(id, subject string) *parser.InboundMessage {
	return &parser.InboundMessage{
		MessageID: id,
		Subject:   subject,
		From:      "Buyer <Buyer@Shop.test>",
		FromName:  "Buyer",
		To:        []string{"sales@acme.test"},
		Date:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		PlainText: "hello",
		HTML:      `<p onclick="steal()">hello</p><script>alert(1)</script>`,
	}
}

func TestReceive_StoresAndThreads(t *testing.T) {
	env := setupDispatcher(t, Options{})
	ctx := context.Background()

	in := inboundMessage("<m1@shop.test>", "Pricing question")
	in.SpamScore = "0.4"
	in.DKIM = "pass"
	in.SPF = "pass"
	in.RawHeaders = "Subject: Pricing question"

	first, err := env.d.Receive(ctx, in, "webhook")
	require.NoError(t, err)

	assert.Equal(t, db.StatusReceived, first.Status)
	assert.Equal(t, db.DirectionInbound, first.Direction)
	assert.Equal(t, "webhook", first.Provider)
	assert.Equal(t, "buyer@shop.test", first.From)
	assert.Equal(t, "sales@acme.test", first.To)
	assert.True(t, in.Date.Equal(first.ReceivedAt.Time))
	assert.NotContains(t, first.HTMLBody, "<script")
	assert.NotContains(t, first.HTMLBody, "onclick")
	assert.Contains(t, first.HTMLBody, "<p>hello</p>")
	assert.Equal(t, db.Metadata{
		"headers":    "Subject: Pricing question",
		"spam_score": "0.4",
		"dkim":       "pass",
		"spf":        "pass",
		"from_name":  "Buyer",
	}, first.MetaData)
	require.True(t, first.ThreadID.Valid)

	second, err := env.d.Receive(ctx, inboundMessage("<m2@shop.test>", "Another topic"), "webhook")
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID, "same address pair shares a thread")

	thread, err := env.db.GetThread(ctx, first.ThreadID.Int64)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.EmailCount)
	assert.True(t, thread.HasUnread)
	assert.Equal(t, "Pricing question", thread.Subject)
}

func TestReceive_ReplyToSentEmailJoinsItsThread(t *testing.T) {
	env := setupDispatcher(t, Options{})
	ctx := context.Background()

	orig := db.CreateTestEmail("Quote 77", "buyer@shop.test", "sales@acme.test")
	db.InsertTestEmails(t, env.db, []*db.Email{orig})
	reply, err := env.d.SendReply(ctx, orig.ID, &EmailRequest{PlainTextBody: "see attached"})
	require.NoError(t, err)

	// a different mailbox answers, so only the reference header can match
	in := inboundMessage("<m3@elsewhere.test>", "Something unrelated")
	in.From = "colleague@elsewhere.test"
	in.InReplyTo = reply.MessageID
	got, err := env.d.Receive(ctx, in, "imap")
	require.NoError(t, err)
	assert.Equal(t, reply.ThreadID, got.ThreadID)

	thread, err := env.db.GetThread(ctx, reply.ThreadID.Int64)
	require.NoError(t, err)
	assert.Equal(t, 3, thread.EmailCount)
}

func TestReceive_AttachmentsGoToBlobStore(t *testing.T) {
	env := setupDispatcher(t, Options{DBContentLimit: 1 << 20})
	ctx := context.Background()

	in := inboundMessage("<files@shop.test>", "Files")
	in.Attachments = []parser.InboundAttachment{
		{FileName: "order.pdf", Data: []byte("%PDF-1.4 order")},
		{FileName: "", ContentType: "image/png", Data: []byte("png"), IsInline: true, ContentID: "img1"},
	}

	email, err := env.d.Receive(ctx, in, "webhook")
	require.NoError(t, err)

	atts, err := env.db.ListAttachments(ctx, email.ID)
	require.NoError(t, err)
	require.Len(t, atts, 2)

	assert.Equal(t, "order.pdf", atts[0].FileName)
	assert.Equal(t, "application/pdf", atts[0].ContentType)
	require.True(t, atts[0].BlobURL.Valid, "inbound content always lives in the blob store")
	data, err := env.blobs.Download(ctx, atts[0].BlobURL.String)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 order", string(data))

	assert.Equal(t, "attachment", atts[1].FileName)
	assert.True(t, atts[1].IsInline)
	assert.Equal(t, "img1", atts[1].ContentID.String)
}

func TestReceive_DuplicateMessageID(t *testing.T) {
	env := setupDispatcher(t, Options{})
	ctx := context.Background()

	first, err := env.d.Receive(ctx, inboundMessage("<dup@shop.test>", "Hi"), "imap")
	require.NoError(t, err)

	again, err := env.d.Receive(ctx, inboundMessage("<dup@shop.test>", "Hi"), "imap")
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, countEmails(t, env.db))
}

func TestReceive_Validation(t *testing.T) {
	env := setupDispatcher(t, Options{})
	ctx := context.Background()

	in := inboundMessage("<x@shop.test>", "x")
	in.From = ""
	_, err := env.d.Receive(ctx, in, "webhook")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "from", verr.Field)

	in = inboundMessage("<y@shop.test>", "y")
	in.To = nil
	_, err = env.d.Receive(ctx, in, "webhook")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "to", verr.Field)

	_, err = env.d.Receive(ctx, nil, "webhook")
	require.ErrorAs(t, err, &verr)
}

func TestReceive_MissingMessageIDIsGenerated(t *testing.T) {
	env := setupDispatcher(t, Options{})

	email, err := env.d.Receive(context.Background(), inboundMessage("", "No id"), "webhook")
	require.NoError(t, err)
	assert.Regexp(t, `^<.+@shop\.test>$`, email.MessageID)
}
