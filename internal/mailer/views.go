package mailer

import (
	"strconv"
	"time"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/delivery"
)

// InboxPage is one page of a mailbox folder
type InboxPage struct {
	Page        int         `json:"page"`
	PageSize    int         `json:"pageSize"`
	TotalCount  int         `json:"totalCount"`
	UnreadCount int         `json:"unreadCount"`
	Emails      []EmailView `json:"emails"`
}

// ThreadView is a thread with its visible emails
type ThreadView struct {
	ID             int64       `json:"id"`
	Subject        string      `json:"subject"`
	Participants   []string    `json:"participants"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
	EmailCount     int         `json:"emailCount"`
	HasUnread      bool        `json:"hasUnread"`
	Category       string      `json:"category,omitempty"`
	Emails         []EmailView `json:"emails"`
}

// EmailView is the client-facing shape of a stored email
type EmailView struct {
	ID             int64             `json:"id"`
	MessageID      string            `json:"messageId"`
	ThreadID       *int64            `json:"threadId,omitempty"`
	From           string            `json:"from"`
	To             []string          `json:"to"`
	CC             []string          `json:"cc,omitempty"`
	Subject        string            `json:"subject"`
	HTMLBody       string            `json:"htmlBody,omitempty"`
	PlainTextBody  string            `json:"plainTextBody,omitempty"`
	Direction      string            `json:"direction"`
	Status         string            `json:"status"`
	Provider       string            `json:"provider,omitempty"`
	Category       string            `json:"category,omitempty"`
	IsRead         bool              `json:"isRead"`
	IsArchived     bool              `json:"isArchived"`
	IsDeleted      bool              `json:"isDeleted"`
	IsHighPriority bool              `json:"isHighPriority"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	MetaData       map[string]string `json:"metaData,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	ReceivedAt     *time.Time        `json:"receivedAt,omitempty"`
	Attachments    []AttachmentView  `json:"attachments,omitempty"`
}

// AttachmentView describes an attachment without its content
type AttachmentView struct {
	ID          int64  `json:"id"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
	IsInline    bool   `json:"isInline"`
	ContentID   string `json:"contentId,omitempty"`
	DownloadURL string `json:"downloadUrl"`
}

func timePtr(t db.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func newEmailView(e *db.Email, atts []*db.Attachment) EmailView {
	v := EmailView{
		ID:             e.ID,
		MessageID:      e.MessageID,
		From:           e.From,
		To:             delivery.SplitAddresses(e.To),
		CC:             delivery.SplitAddresses(e.CC),
		Subject:        e.Subject,
		HTMLBody:       e.HTMLBody,
		PlainTextBody:  e.PlainTextBody,
		Direction:      string(e.Direction),
		Status:         string(e.Status),
		Provider:       e.Provider,
		Category:       e.Category,
		IsRead:         e.ReadAt.Valid,
		IsArchived:     e.ArchivedAt.Valid,
		IsDeleted:      e.DeletedAt.Valid,
		IsHighPriority: e.IsHighPriority,
		ErrorMessage:   e.ErrorMessage.String,
		MetaData:       e.MetaData,
		CreatedAt:      e.CreatedAt,
		SentAt:         timePtr(e.SentAt),
		ReceivedAt:     timePtr(e.ReceivedAt),
	}
	if e.ThreadID.Valid {
		id := e.ThreadID.Int64
		v.ThreadID = &id
	}
	for _, a := range atts {
		v.Attachments = append(v.Attachments, AttachmentView{
			ID:          a.ID,
			FileName:    a.FileName,
			ContentType: a.ContentType,
			FileSize:    a.FileSize,
			IsInline:    a.IsInline,
			ContentID:   a.ContentID.String,
			DownloadURL: "/api/email/attachment/" + strconv.FormatInt(a.ID, 10),
		})
	}
	return v
}

func newThreadView(t *db.Thread) *ThreadView {
	participants := []string(t.Participants)
	if participants == nil {
		participants = []string{}
	}
	return &ThreadView{
		ID:             t.ID,
		Subject:        t.Subject,
		Participants:   participants,
		LastActivityAt: t.LastActivityAt,
		EmailCount:     t.EmailCount,
		HasUnread:      t.HasUnread,
		Category:       t.Category,
		Emails:         []EmailView{},
	}
}
