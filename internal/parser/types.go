package parser

import "time"

// InboundMessage is a received email reduced to what the receiver stores
type InboundMessage struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	FromName   string
	To         []string
	CC         []string
	Date       time.Time
	PlainText  string
	HTML       string
	RawHeaders string

	// Provider verdicts, empty when unknown
	SpamScore string
	DKIM      string
	SPF       string

	Attachments []InboundAttachment
}

// InboundAttachment is a file part of an inbound message
type InboundAttachment struct {
	FileName    string
	ContentType string
	Data        []byte
	IsInline    bool
	ContentID   string
}
