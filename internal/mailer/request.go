package mailer

import (
	"database/sql"
	"encoding/base64"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/delivery"
	"github.com/felo/mailcore/internal/parser"
)

// EmailRequest is an outbound email as submitted by a caller
type EmailRequest struct {
	To             string              `json:"to"`
	From           string              `json:"from"`
	CC             string              `json:"cc,omitempty"`
	BCC            string              `json:"bcc,omitempty"`
	Subject        string              `json:"subject"`
	HTMLBody       string              `json:"htmlBody,omitempty"`
	PlainTextBody  string              `json:"plainTextBody,omitempty"`
	Category       string              `json:"category,omitempty"`
	SupplierID     *int64              `json:"supplierId,omitempty"`
	BuyerID        *int64              `json:"buyerId,omitempty"`
	UserID         *string             `json:"userId,omitempty"`
	MetaData       map[string]string   `json:"metaData,omitempty"`
	Attachments    []AttachmentRequest `json:"attachments,omitempty"`
	ReplyToEmailID *int64              `json:"replyToEmailId,omitempty"`
	IsHighPriority bool                `json:"isHighPriority,omitempty"`
}

// AttachmentRequest is one attachment of an EmailRequest, content in base64
type AttachmentRequest struct {
	FileName      string `json:"fileName"`
	ContentType   string `json:"contentType,omitempty"`
	Base64Content string `json:"base64Content"`
	IsInline      bool   `json:"isInline,omitempty"`
	ContentID     string `json:"contentId,omitempty"`
}

// SendResponse reports the outcome of a send to the caller
type SendResponse struct {
	Success  bool       `json:"success"`
	EmailID  int64      `json:"emailId"`
	ThreadID *int64     `json:"threadId,omitempty"`
	Status   string     `json:"status"`
	SentAt   *time.Time `json:"sentAt,omitempty"`
	Message  string     `json:"message"`
}

// NewSendResponse maps a stored email onto a SendResponse
func NewSendResponse(email *db.Email) *SendResponse {
	resp := &SendResponse{
		Success: email.Status == db.StatusSent || email.Status == db.StatusDraft,
		EmailID: email.ID,
		Status:  string(email.Status),
	}
	if email.ThreadID.Valid {
		id := email.ThreadID.Int64
		resp.ThreadID = &id
	}
	if email.SentAt.Valid {
		at := email.SentAt.Time
		resp.SentAt = &at
	}
	switch email.Status {
	case db.StatusSent:
		resp.Message = "Email sent successfully"
	case db.StatusDraft:
		resp.Message = "Draft saved"
	case db.StatusFailed:
		resp.Message = "Failed to send email"
		if email.ErrorMessage.Valid {
			resp.Message += ": " + email.ErrorMessage.String
		}
	default:
		resp.Message = "Email queued"
	}
	return resp
}

// BulkResult is the outcome of one item of a bulk send
type BulkResult struct {
	Index int
	Email *db.Email
	Err   error
}

// preparedAttachment is a decoded attachment waiting to be stored
type preparedAttachment struct {
	fileName    string
	contentType string
	data        []byte
	isInline    bool
	contentID   string
}

// preparedRequest is a validated request with parsed recipients
type preparedRequest struct {
	req         *EmailRequest
	from        string
	to          []string
	cc          []string
	bcc         []string
	attachments []preparedAttachment
}

func checkAddresses(field string, list []string) error {
	for _, addr := range list {
		if _, err := mail.ParseAddress(addr); err != nil {
			return invalid(field, "invalid email address %q", addr)
		}
	}
	return nil
}

// prepare validates req. Drafts may be incomplete but whatever they carry
// must still be well formed.
func (d *Dispatcher) prepare(req *EmailRequest, draft bool) (*preparedRequest, error) {
	if req == nil {
		return nil, invalid("", "request is required")
	}

	p := &preparedRequest{
		req:  req,
		from: strings.TrimSpace(req.From),
		to:   delivery.SplitAddresses(req.To),
		cc:   delivery.SplitAddresses(req.CC),
		bcc:  delivery.SplitAddresses(req.BCC),
	}
	if p.from == "" {
		p.from = d.opts.DefaultFrom
	}

	if !draft {
		if len(p.to) == 0 {
			return nil, invalid("to", "at least one recipient is required")
		}
		if strings.TrimSpace(req.Subject) == "" {
			return nil, invalid("subject", "subject is required")
		}
		if p.from == "" {
			return nil, invalid("from", "sender is required")
		}
	}
	if p.from != "" {
		if err := checkAddresses("from", []string{p.from}); err != nil {
			return nil, err
		}
	}
	for _, list := range []struct {
		field string
		addrs []string
	}{{"to", p.to}, {"cc", p.cc}, {"bcc", p.bcc}} {
		if err := checkAddresses(list.field, list.addrs); err != nil {
			return nil, err
		}
	}

	for i, a := range req.Attachments {
		if strings.TrimSpace(a.FileName) == "" {
			return nil, invalid("attachments", "attachment %d has no file name", i)
		}
		data, err := base64.StdEncoding.DecodeString(a.Base64Content)
		if err != nil {
			return nil, invalid("attachments", "attachment %q is not valid base64", a.FileName)
		}
		p.attachments = append(p.attachments, preparedAttachment{
			fileName:    a.FileName,
			contentType: parser.ContentTypeFor(a.FileName, a.ContentType),
			data:        data,
			isInline:    a.IsInline,
			contentID:   a.ContentID,
		})
	}
	return p, nil
}

// newEmail builds the row for a prepared request
func (p *preparedRequest) newEmail(status db.Status, now time.Time) *db.Email {
	req := p.req
	email := &db.Email{
		MessageID:      newMessageID(p.from),
		From:           p.from,
		To:             strings.Join(p.to, ";"),
		CC:             strings.Join(p.cc, ";"),
		BCC:            strings.Join(p.bcc, ";"),
		Subject:        req.Subject,
		HTMLBody:       req.HTMLBody,
		PlainTextBody:  req.PlainTextBody,
		Direction:      db.DirectionOutbound,
		Status:         status,
		Category:       req.Category,
		MetaData:       copyMeta(req.MetaData),
		IsHighPriority: req.IsHighPriority,
		CreatedAt:      now,
	}
	if req.SupplierID != nil {
		email.SupplierID = sql.NullInt64{Int64: *req.SupplierID, Valid: true}
	}
	if req.BuyerID != nil {
		email.BuyerID = sql.NullInt64{Int64: *req.BuyerID, Valid: true}
	}
	if req.UserID != nil {
		email.UserID = sql.NullString{String: *req.UserID, Valid: true}
	}
	return email
}

func copyMeta(m map[string]string) db.Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(db.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// requestFromEmail rebuilds a request from a stored email
func requestFromEmail(email *db.Email, atts []AttachmentRequest) *EmailRequest {
	req := &EmailRequest{
		To:             email.To,
		From:           email.From,
		CC:             email.CC,
		BCC:            email.BCC,
		Subject:        email.Subject,
		HTMLBody:       email.HTMLBody,
		PlainTextBody:  email.PlainTextBody,
		Category:       email.Category,
		MetaData:       copyMeta(email.MetaData),
		Attachments:    atts,
		IsHighPriority: email.IsHighPriority,
	}
	if req.MetaData != nil {
		delete(req.MetaData, metaProviderMessageID)
	}
	if email.SupplierID.Valid {
		v := email.SupplierID.Int64
		req.SupplierID = &v
	}
	if email.BuyerID.Valid {
		v := email.BuyerID.Int64
		req.BuyerID = &v
	}
	if email.UserID.Valid {
		v := email.UserID.String
		req.UserID = &v
	}
	return req
}
