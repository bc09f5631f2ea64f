package poller

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPConfig locates and authenticates a mailbox
type IMAPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Mailbox  string
	Timeout  time.Duration
}

const fetchBatch = 50

// IMAPDialer returns a Dialer that logs into cfg's server
func IMAPDialer(cfg IMAPConfig) Dialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return func(ctx context.Context) (Mailbox, error) {
		return dialIMAP(ctx, cfg)
	}
}

func dialIMAP(ctx context.Context, cfg IMAPConfig) (*imapMailbox, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if cfg.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start imap session: %w", err)
	}
	c.Timeout = cfg.Timeout

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	if _, err := c.Select(cfg.Mailbox, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to select %s: %w", cfg.Mailbox, err)
	}
	return &imapMailbox{c: c}, nil
}

type imapMailbox struct {
	c *client.Client
}

// FetchUnseen downloads every message without the \Seen flag, leaving
// the flag untouched
func (m *imapMailbox) FetchUnseen(ctx context.Context) ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search failed: %w", err)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var out []Message
	for start := 0; start < len(uids); start += fetchBatch {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		end := min(start+fetchBatch, len(uids))

		set := new(imap.SeqSet)
		set.AddNum(uids[start:end]...)

		messages := make(chan *imap.Message, fetchBatch)
		done := make(chan error, 1)
		go func() {
			done <- m.c.UidFetch(set, items, messages)
		}()

		for msg := range messages {
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, err := io.ReadAll(body)
			if err != nil || len(raw) == 0 {
				continue
			}
			out = append(out, Message{UID: msg.Uid, Raw: raw})
		}
		if err := <-done; err != nil {
			return out, fmt.Errorf("imap fetch failed: %w", err)
		}
	}
	return out, nil
}

func (m *imapMailbox) MarkSeen(ctx context.Context, uids []uint32) error {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return m.c.UidStore(set, item, []interface{}{imap.SeenFlag}, nil)
}

func (m *imapMailbox) Close() error {
	return m.c.Logout()
}
