// Package parser turns raw RFC 5322 messages into InboundMessage values.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func init() {
	// Register additional charsets that are commonly used in emails
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
	charset.RegisterEncoding("iso-2022-jp", japanese.ISO2022JP)
	charset.RegisterEncoding("gb2312", simplifiedchinese.GBK)
}

// ParseEMLFile parses an .eml file
func ParseEMLFile(filePath string) (*InboundMessage, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return ParseMIME(f)
}

// ParseMIME parses a message from a reader
func ParseMIME(r io.Reader) (*InboundMessage, error) {
	// Read the entire message first to capture raw headers
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("failed to read email: %w", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	msg := &InboundMessage{RawHeaders: extractRawHeaders(buf.String())}
	header := mr.Header

	msg.MessageID = strings.TrimSpace(header.Get("Message-Id"))
	msg.InReplyTo = strings.TrimSpace(header.Get("In-Reply-To"))
	msg.References = parseMessageIDList(header.Get("References"))
	msg.Subject = decodeMIMEWord(header.Get("Subject"))

	if fromAddrs, err := header.AddressList("From"); err == nil && len(fromAddrs) > 0 {
		msg.From = strings.ToLower(fromAddrs[0].Address)
		msg.FromName = fromAddrs[0].Name
	} else {
		msg.From = ExtractAddress(header.Get("From"))
	}
	msg.To = addressList(header, "To")
	msg.CC = addressList(header, "Cc")

	if date, err := header.Date(); err == nil {
		msg.Date = date
	} else {
		msg.Date = time.Now()
	}

	msg.SpamScore = strings.TrimSpace(header.Get("X-Spam-Score"))
	msg.DKIM, msg.SPF = parseAuthResults(header.Get("Authentication-Results"))

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}

			switch {
			case contentType == "text/plain" || contentType == "":
				if msg.PlainText == "" {
					msg.PlainText = string(body)
				}
			case contentType == "text/html":
				msg.HTML = string(body)
			default:
				// inline image or similar, referenced from the html by Content-ID
				msg.Attachments = append(msg.Attachments, InboundAttachment{
					FileName:    inlineName(h, params),
					ContentType: contentType,
					Data:        body,
					IsInline:    true,
					ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			data, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment: %w", err)
			}

			msg.Attachments = append(msg.Attachments, InboundAttachment{
				FileName:    filename,
				ContentType: ContentTypeFor(filename, contentType),
				Data:        data,
				ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
			})
		}
	}

	return msg, nil
}

func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil {
		return ExtractAddressList(h.Get(key))
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

func inlineName(h *mail.InlineHeader, params map[string]string) string {
	if name := params["name"]; name != "" {
		return name
	}
	if _, dp, err := h.ContentDisposition(); err == nil && dp["filename"] != "" {
		return dp["filename"]
	}
	return "inline"
}

// extractRawHeaders extracts the raw header section from the email
func extractRawHeaders(emailContent string) string {
	// Headers end at the first blank line
	parts := strings.SplitN(emailContent, "\r\n\r\n", 2)
	if len(parts) < 2 {
		parts = strings.SplitN(emailContent, "\n\n", 2)
	}
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

// decodeMIMEWord decodes MIME-encoded words (RFC 2047)
// Example: =?UTF-8?Q?Invitaci=C3=B3n?= -> Invitación
func decodeMIMEWord(s string) string {
	dec := &mime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

var messageIDPattern = regexp.MustCompile(`<[^<>\s]+>`)

// parseMessageIDList pulls every <id> out of a References style header
func parseMessageIDList(s string) []string {
	return messageIDPattern.FindAllString(s, -1)
}

var authResultPattern = regexp.MustCompile(`(?i)\b(dkim|spf)=([a-z]+)`)

// parseAuthResults reads the first dkim= and spf= verdicts of an
// Authentication-Results header
func parseAuthResults(s string) (dkim, spf string) {
	for _, m := range authResultPattern.FindAllStringSubmatch(s, -1) {
		switch strings.ToLower(m[1]) {
		case "dkim":
			if dkim == "" {
				dkim = strings.ToLower(m[2])
			}
		case "spf":
			if spf == "" {
				spf = strings.ToLower(m[2])
			}
		}
	}
	return dkim, spf
}

// ExtractAddress returns the bare lower-cased address of "Name <addr>" or
// "addr". Unparseable input is returned trimmed.
func ExtractAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address)
	}
	if i, j := strings.LastIndex(s, "<"), strings.LastIndex(s, ">"); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(s[i+1 : j]))
	}
	return strings.ToLower(s)
}

// ExtractAddressList splits a comma or semicolon separated header value into bare addresses
func ExtractAddressList(s string) []string {
	if addrs, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if a := ExtractAddress(f); a != "" {
			out = append(out, a)
		}
	}
	return out
}

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".zip":  "application/zip",
}

// ContentTypeFor keeps a declared content type and otherwise infers one from
// the file extension, defaulting to application/octet-stream
func ContentTypeFor(fileName, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
