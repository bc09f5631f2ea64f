package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
)

var hrefPattern = regexp.MustCompile(`href=['"]([^'"]+)['"]`)

// DevSink appends every message to a local mbox file instead of sending it.
// It is only wired in the development environment and always succeeds.
type DevSink struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewDevSink(path string) *DevSink {
	return &DevSink{path: path, now: time.Now}
}

func (s *DevSink) Name() string { return "devsink" }

func (s *DevSink) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	withLink := *msg
	withLink.Headers = make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		withLink.Headers[k] = v
	}
	withLink.Headers["X-Method"] = "DevSink"
	if link := ExtractFirstLink(msg.HTMLBody); link != "" {
		withLink.Headers["X-Extracted-Link"] = link
	}

	now := s.now()
	raw, err := BuildMIME(&withLink, now)
	if err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}
	defer f.Close()

	mw := mbox.NewWriter(f)
	w, err := mw.CreateMessage(msg.From, now)
	if err != nil {
		return nil, fmt.Errorf("failed to start mbox entry: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to write mbox entry: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mbox entry: %w", err)
	}

	return &Result{Provider: s.Name(), ProviderMessageID: msg.MessageID}, nil
}

// ExtractFirstLink returns the first href target in html, which is handy when
// clicking through confirmation mails locally
func ExtractFirstLink(html string) string {
	m := hrefPattern.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
