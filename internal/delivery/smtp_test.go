package delivery

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay speaks just enough SMTP to accept one message per session
type fakeRelay struct {
	ln       net.Listener
	mu       sync.Mutex
	commands []string
	auth     string
	data     string
}

func startFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go r.serve(conn)
		}
	}()
	return r
}

func (r *fakeRelay) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *fakeRelay) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 relay.test ESMTP")

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		r.mu.Lock()
		r.commands = append(r.commands, verb)
		r.mu.Unlock()

		switch verb {
		case "EHLO":
			tp.PrintfLine("250-relay.test")
			tp.PrintfLine("250 AUTH PLAIN")
		case "HELO", "MAIL", "RCPT", "RSET", "NOOP":
			tp.PrintfLine("250 OK")
		case "AUTH":
			fields := strings.Fields(line)
			if len(fields) == 3 {
				decoded, _ := base64.StdEncoding.DecodeString(fields[2])
				r.mu.Lock()
				r.auth = string(decoded)
				r.mu.Unlock()
			}
			tp.PrintfLine("235 Authenticated")
		case "DATA":
			tp.PrintfLine("354 Go ahead")
			body, err := readDotBody(tp.Reader.R)
			if err != nil {
				return
			}
			r.mu.Lock()
			r.data = body
			r.mu.Unlock()
			tp.PrintfLine("250 Queued")
		case "QUIT":
			tp.PrintfLine("221 Bye")
			return
		default:
			tp.PrintfLine("502 Unsupported")
		}
	}
}

func readDotBody(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == ".\r\n" {
			return sb.String(), nil
		}
		sb.WriteString(strings.TrimPrefix(line, "."))
	}
}

func TestSMTPTransport_Send(t *testing.T) {
	relay := startFakeRelay(t)
	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: relay.port(), Username: "mailer", Password: "secret"})

	msg := sampleMessage()
	res, err := tr.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "smtp", res.Provider)
	assert.Equal(t, msg.MessageID, res.ProviderMessageID)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, "\x00mailer\x00secret", relay.auth)
	assert.Contains(t, relay.commands, "MAIL")
	assert.Equal(t, "QUIT", relay.commands[len(relay.commands)-1])
	assert.Contains(t, relay.data, "X-Method: SMTP")
	assert.Contains(t, relay.data, "Subject: Invoice 1001")
	assert.NotContains(t, msg.Headers, "X-Method", "the caller's headers are not modified")
}

func TestSMTPTransport_Errors(t *testing.T) {
	_, err := NewSMTPTransport(SMTPConfig{}).Send(context.Background(), sampleMessage())
	assert.True(t, IsSoft(err), "an unconfigured relay is skipped")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port}).Send(context.Background(), sampleMessage())
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.False(t, terr.Soft)
	assert.Equal(t, "smtp", terr.Channel)
	assert.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}
