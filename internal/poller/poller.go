// Package poller pulls unseen messages from a remote mailbox and hands
// them to the inbound receiver.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/mailer"
	"github.com/felo/mailcore/internal/parser"
)

// Message is one raw RFC 5322 message and its mailbox UID
type Message struct {
	UID uint32
	Raw []byte
}

// Mailbox is a logged-in remote mailbox
type Mailbox interface {
	FetchUnseen(ctx context.Context) ([]Message, error)
	MarkSeen(ctx context.Context, uids []uint32) error
	Close() error
}

// Dialer opens a fresh Mailbox session
type Dialer func(ctx context.Context) (Mailbox, error)

// Receiver stores inbound mail
type Receiver interface {
	Receive(ctx context.Context, in *parser.InboundMessage, source string) (*db.Email, error)
}

// Report counts the outcome of one poll
type Report struct {
	Fetched    int
	Stored     int
	Duplicates int
	Unparsable int
	Failed     int
}

const source = "imap"

type Poller struct {
	dial     Dialer
	receiver Receiver
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(dial Dialer, receiver Receiver, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{dial: dial, receiver: receiver, interval: interval, logger: logger}
}

// Poll runs one session: fetch unseen messages, store them and flag the
// handled ones \Seen. Messages that failed to store stay unseen and are
// retried on the next poll.
func (p *Poller) Poll(ctx context.Context) (*Report, error) {
	mbox, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer func() {
		if err := mbox.Close(); err != nil {
			p.logger.Debug("failed to close mailbox", "error", err)
		}
	}()

	msgs, err := mbox.FetchUnseen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	report := &Report{Fetched: len(msgs)}
	var handled []uint32
	for _, m := range msgs {
		in, err := parser.ParseMIME(bytes.NewReader(m.Raw))
		if err != nil {
			// a message that cannot be parsed never will be
			p.logger.Warn("skipping unparsable message", "uid", m.UID, "error", err)
			report.Unparsable++
			handled = append(handled, m.UID)
			continue
		}

		_, err = p.receiver.Receive(ctx, in, source)
		var verr *mailer.ValidationError
		switch {
		case err == nil:
			report.Stored++
		case errors.Is(err, mailer.ErrDuplicateMessage):
			report.Duplicates++
		case errors.As(err, &verr):
			p.logger.Warn("rejected inbound message", "uid", m.UID, "error", err)
			report.Unparsable++
		default:
			p.logger.Error("failed to store inbound message", "uid", m.UID, "error", err)
			report.Failed++
			continue
		}
		handled = append(handled, m.UID)
	}

	if len(handled) > 0 {
		if err := mbox.MarkSeen(ctx, handled); err != nil {
			return report, fmt.Errorf("failed to flag messages seen: %w", err)
		}
	}
	return report, nil
}

// Run polls immediately and then every interval until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("imap poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		report, err := p.Poll(ctx)
		if err != nil {
			p.logger.Error("imap poll failed", "error", err)
		} else if report.Fetched > 0 {
			p.logger.Info("imap poll finished",
				"fetched", report.Fetched,
				"stored", report.Stored,
				"duplicates", report.Duplicates,
				"failed", report.Failed,
			)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("imap poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Start runs the loop in a goroutine. It is a no-op when already started.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to return
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
