package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNoChannels is returned when a Selector has nothing to try
var ErrNoChannels = errors.New("no delivery channels configured")

// Outcome is the final result of a delivery attempt across all channels
type Outcome struct {
	Success           bool
	Provider          string
	ProviderMessageID string
	Err               error
	// Attempts lists every channel tried, in order
	Attempts []string
}

// Selector tries channels in order until one accepts the message
type Selector struct {
	channels []SendTransport
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSelector builds a selector. timeout bounds each channel attempt; zero means no bound.
func NewSelector(logger *slog.Logger, timeout time.Duration, channels ...SendTransport) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{channels: channels, timeout: timeout, logger: logger}
}

// Channels returns the configured channel names in attempt order
func (s *Selector) Channels() []string {
	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name()
	}
	return names
}

// Deliver sends msg through the first channel that accepts it. A failed
// attempt never retries the same channel. When every channel fails the
// outcome error joins all attempt errors.
func (s *Selector) Deliver(ctx context.Context, msg *Message) Outcome {
	if len(s.channels) == 0 {
		return Outcome{Err: ErrNoChannels}
	}

	var out Outcome
	var errs []error
	for _, ch := range s.channels {
		if err := ctx.Err(); err != nil {
			out.Err = errors.Join(append(errs, err)...)
			return out
		}
		out.Attempts = append(out.Attempts, ch.Name())

		res, err := s.attempt(ctx, ch, msg)
		if err == nil {
			out.Success = true
			out.Provider = res.Provider
			if out.Provider == "" {
				out.Provider = ch.Name()
			}
			out.ProviderMessageID = res.ProviderMessageID
			s.logger.Info("email delivered",
				"email_id", msg.EmailID,
				"provider", out.Provider,
				"attempts", len(out.Attempts))
			return out
		}

		errs = append(errs, err)
		if IsSoft(err) {
			s.logger.Debug("delivery channel skipped", "email_id", msg.EmailID, "channel", ch.Name(), "error", err)
		} else {
			s.logger.Error("delivery channel failed", "email_id", msg.EmailID, "channel", ch.Name(), "error", err)
		}
	}
	out.Err = errors.Join(errs...)
	return out
}

func (s *Selector) attempt(ctx context.Context, ch SendTransport, msg *Message) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := ch.Send(ctx, msg)
	if err == nil && res == nil {
		res = &Result{Provider: ch.Name()}
	}
	return res, err
}
