// Package threading attaches inbound emails to conversations.
package threading

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felo/mailcore/internal/db"
)

// Store is the subset of the database the reconciler reads and writes
type Store interface {
	FindThreadedEmailByMessageIDs(ctx context.Context, ids []string) (*db.Email, error)
	LatestEmailBetween(ctx context.Context, a, b string) (*db.Email, error)
	FindThreadBySubject(ctx context.Context, fragment string) (*db.Thread, error)
	GetThread(ctx context.Context, id int64) (*db.Thread, error)
	CreateThread(ctx context.Context, t *db.Thread) (int64, error)
}

// Match says which rule picked the thread
type Match int

const (
	MatchReference Match = iota
	MatchParticipants
	MatchSubject
	MatchCreated
)

func (m Match) String() string {
	switch m {
	case MatchReference:
		return "reference"
	case MatchParticipants:
		return "participants"
	case MatchSubject:
		return "subject"
	case MatchCreated:
		return "created"
	}
	return fmt.Sprintf("Match(%d)", int(m))
}

// Inbound is the part of a received message that drives reconciliation
type Inbound struct {
	From       string
	To         string
	Subject    string
	InReplyTo  string
	References []string
	Category   string
}

// referenceIDs returns In-Reply-To then References newest first
func (in *Inbound) referenceIDs() []string {
	var ids []string
	if in.InReplyTo != "" {
		ids = append(ids, in.InReplyTo)
	}
	for i := len(in.References) - 1; i >= 0; i-- {
		if r := in.References[i]; r != "" && r != in.InReplyTo {
			ids = append(ids, r)
		}
	}
	return ids
}

// Result is the thread an inbound email belongs to
type Result struct {
	Thread *db.Thread
	Match  Match
}

type Options struct {
	// SubjectFallback enables the subject substring heuristic
	SubjectFallback bool
}

// Reconciler finds or creates the thread for inbound mail
type Reconciler struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

func NewReconciler(store Store, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, opts: opts, logger: logger}
}

// ReconcileInbound picks the thread for in; the first matching rule wins:
// message references, the latest email between the same pair of addresses,
// the normalized subject (when enabled), and otherwise a new thread. The
// caller records the email on the thread afterwards.
func (r *Reconciler) ReconcileInbound(ctx context.Context, in *Inbound) (*Result, error) {
	from, to := strings.ToLower(in.From), strings.ToLower(in.To)

	if ids := in.referenceIDs(); len(ids) > 0 {
		email, err := r.store.FindThreadedEmailByMessageIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		if t, err := r.threadOf(ctx, email); err != nil || t != nil {
			return result(t, MatchReference, err)
		}
	}

	latest, err := r.store.LatestEmailBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if t, err := r.threadOf(ctx, latest); err != nil || t != nil {
		return result(t, MatchParticipants, err)
	}

	if r.opts.SubjectFallback {
		if normalized := NormalizeSubject(in.Subject); normalized != "" {
			t, err := r.store.FindThreadBySubject(ctx, normalized)
			if err != nil {
				return nil, err
			}
			if t != nil {
				return result(t, MatchSubject, nil)
			}
		}
	}

	t := &db.Thread{
		Subject:      in.Subject,
		Participants: db.NewParticipants(from, to),
		EmailCount:   0,
		HasUnread:    true,
		Category:     in.Category,
	}
	if _, err := r.store.CreateThread(ctx, t); err != nil {
		return nil, err
	}
	r.logger.Debug("thread created", "thread_id", t.ID, "from", from, "to", to)
	return &Result{Thread: t, Match: MatchCreated}, nil
}

// threadOf loads the thread an email belongs to, or nil when it has none
func (r *Reconciler) threadOf(ctx context.Context, email *db.Email) (*db.Thread, error) {
	if email == nil || !email.ThreadID.Valid {
		return nil, nil
	}
	return r.store.GetThread(ctx, email.ThreadID.Int64)
}

func result(t *db.Thread, m Match, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Thread: t, Match: m}, nil
}
