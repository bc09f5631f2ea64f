package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name  string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &TransportError{Channel: f.name, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Provider: f.name, ProviderMessageID: f.name + "-id"}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelector_FirstSuccessWins(t *testing.T) {
	first := &fakeTransport{name: "sendgrid"}
	second := &fakeTransport{name: "smtp"}
	s := NewSelector(quietLogger(), time.Second, first, second)

	out := s.Deliver(context.Background(), &Message{EmailID: 1})

	require.True(t, out.Success)
	assert.Equal(t, "sendgrid", out.Provider)
	assert.Equal(t, "sendgrid-id", out.ProviderMessageID)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls, "later channels must not be tried after a success")
}

func TestSelector_FallsThroughSoftAndHardFailures(t *testing.T) {
	soft := &fakeTransport{name: "sendgrid", err: &TransportError{Channel: "sendgrid", Soft: true, StatusCode: 403}}
	hard := &fakeTransport{name: "smtp", err: &TransportError{Channel: "smtp", Err: errors.New("connection refused")}}
	sink := &fakeTransport{name: "devsink"}
	s := NewSelector(quietLogger(), time.Second, soft, hard, sink)

	out := s.Deliver(context.Background(), &Message{EmailID: 2})

	require.True(t, out.Success)
	assert.Equal(t, "devsink", out.Provider)
	assert.Equal(t, []string{"sendgrid", "smtp", "devsink"}, out.Attempts)
	assert.Equal(t, 1, soft.calls)
	assert.Equal(t, 1, hard.calls)
}

func TestSelector_AllFail(t *testing.T) {
	a := &fakeTransport{name: "sendgrid", err: &TransportError{Channel: "sendgrid", StatusCode: 500, Err: errors.New("boom")}}
	b := &fakeTransport{name: "smtp", err: &TransportError{Channel: "smtp", Err: errors.New("refused")}}
	s := NewSelector(quietLogger(), time.Second, a, b)

	out := s.Deliver(context.Background(), &Message{})

	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "boom")
	assert.Contains(t, out.Err.Error(), "refused")
	assert.Equal(t, 1, a.calls, "no retry of a failed channel")
}

func TestSelector_NoChannels(t *testing.T) {
	out := NewSelector(quietLogger(), 0).Deliver(context.Background(), &Message{})
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrNoChannels)
}

func TestSelector_ChannelTimeout(t *testing.T) {
	slow := &fakeTransport{name: "sendgrid", delay: time.Second}
	fast := &fakeTransport{name: "smtp"}
	s := NewSelector(quietLogger(), 20*time.Millisecond, slow, fast)

	out := s.Deliver(context.Background(), &Message{})

	require.True(t, out.Success)
	assert.Equal(t, "smtp", out.Provider)
}

func TestSelector_CancelledContext(t *testing.T) {
	ch := &fakeTransport{name: "sendgrid"}
	s := NewSelector(quietLogger(), time.Second, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := s.Deliver(ctx, &Message{})

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, ch.calls)
}

func TestTransportError(t *testing.T) {
	err := &TransportError{Channel: "sendgrid", Soft: true, StatusCode: 401, Err: errors.New("regional restriction")}
	assert.True(t, IsSoft(err))
	assert.Equal(t, "sendgrid (status 401) [soft]: regional restriction", err.Error())
	assert.False(t, IsSoft(errors.New("plain")))
}
