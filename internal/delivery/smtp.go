package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig holds relay settings for the SMTP channel
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// InsecureSkipVerify disables certificate checks on STARTTLS (local relays only)
	InsecureSkipVerify bool
}

// SMTPTransport relays the rendered MIME message over SMTP
type SMTPTransport struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPTransport{cfg: cfg, now: time.Now}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	if t.cfg.Host == "" {
		return nil, &TransportError{Channel: t.Name(), Soft: true, Err: fmt.Errorf("no relay host configured")}
	}

	withMethod := *msg
	withMethod.Headers = make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		withMethod.Headers[k] = v
	}
	withMethod.Headers["X-Method"] = "SMTP"

	raw, err := BuildMIME(&withMethod, t.now())
	if err != nil {
		return nil, &TransportError{Channel: t.Name(), Err: err}
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Channel: t.Name(), Err: fmt.Errorf("failed to connect to %s: %w", addr, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Channel: t.Name(), Err: fmt.Errorf("failed to greet %s: %w", addr, err)}
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return nil, &TransportError{Channel: t.Name(), Err: err}
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: t.cfg.Host, InsecureSkipVerify: t.cfg.InsecureSkipVerify}
		if err := c.StartTLS(tlsCfg); err != nil {
			return nil, &TransportError{Channel: t.Name(), Err: fmt.Errorf("starttls: %w", err)}
		}
	}
	if t.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return nil, &TransportError{Channel: t.Name(), Err: fmt.Errorf("auth: %w", err)}
		}
	}

	if err := c.SendMail(msg.From, msg.Recipients(), bytes.NewReader(raw)); err != nil {
		return nil, &TransportError{Channel: t.Name(), Err: err}
	}
	if err := c.Quit(); err != nil {
		return nil, &TransportError{Channel: t.Name(), Err: err}
	}

	return &Result{Provider: t.Name(), ProviderMessageID: msg.MessageID}, nil
}
