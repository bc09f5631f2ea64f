// Package mailer persists and delivers outbound email, stores inbound email
// and implements the mailbox operations on top of both.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felo/mailcore/internal/blob"
	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/delivery"
	"github.com/felo/mailcore/internal/threading"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

var (
	// ErrEmailNotFound is returned when a referenced email does not exist
	ErrEmailNotFound = errors.New("email not found")
	// ErrThreadNotFound is returned when a referenced thread does not exist
	ErrThreadNotFound = errors.New("thread not found")
	// ErrAttachmentNotFound is returned when a referenced attachment does not exist
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrDuplicateMessage is returned when an inbound Message-ID was already stored
	ErrDuplicateMessage = errors.New("message already received")
	// ErrNotDraft is returned when a draft operation targets a non-draft email
	ErrNotDraft = errors.New("email is not a draft")
)

// ValidationError is a malformed request, rejected before anything is stored
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Deliverer hands a message to the outbound channels
type Deliverer interface {
	Deliver(ctx context.Context, msg *delivery.Message) delivery.Outcome
}

// Options tunes the dispatcher
type Options struct {
	DefaultFrom string
	// Attachments up to this many bytes are kept in the database
	DBContentLimit int
	BatchSize      int
	BatchDelay     time.Duration
	DownloadTTL    time.Duration
}

// Dispatcher is the entry point for sending, receiving and mailbox operations
type Dispatcher struct {
	db         *db.DB
	blobs      blob.Store
	deliverer  Deliverer
	reconciler *threading.Reconciler
	policy     *bluemonday.Policy
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Dispatcher. The reconciler must read the same database.
func New(database *db.DB, blobs blob.Store, deliverer Deliverer, reconciler *threading.Reconciler, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = 15 * time.Minute
	}
	return &Dispatcher{
		db:         database,
		blobs:      blobs,
		deliverer:  deliverer,
		reconciler: reconciler,
		policy:     bluemonday.UGCPolicy(),
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// newMessageID builds an RFC 5322 Message-ID in the sender's domain
func newMessageID(from string) string {
	domain := "mailcore.local"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = strings.ToLower(from[i+1:])
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// joinReferences appends id to a References chain
func joinReferences(refs, id string) string {
	refs = strings.TrimSpace(refs)
	if id == "" {
		return refs
	}
	if refs == "" {
		return id
	}
	return refs + " " + id
}

func (d *Dispatcher) getEmail(ctx context.Context, id int64) (*db.Email, error) {
	email, err := d.db.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, fmt.Errorf("%w: %d", ErrEmailNotFound, id)
	}
	return email, nil
}

// recompute refreshes the thread an email belongs to, if any
func (d *Dispatcher) recompute(ctx context.Context, email *db.Email) {
	if !email.ThreadID.Valid {
		return
	}
	deleted, err := d.db.RecomputeThread(ctx, email.ThreadID.Int64)
	if err != nil {
		d.logger.Error("failed to recompute thread", "thread_id", email.ThreadID.Int64, "error", err)
		return
	}
	if deleted {
		d.logger.Info("thread removed", "thread_id", email.ThreadID.Int64)
	}
}

// discardBlobs removes blobs uploaded for a write that did not commit
func (d *Dispatcher) discardBlobs(ctx context.Context, uris []string) {
	ctx = context.WithoutCancel(ctx)
	for _, uri := range uris {
		if refs, err := d.db.CountBlobReferences(ctx, uri); err != nil || refs > 0 {
			continue
		}
		if _, err := d.blobs.Delete(ctx, uri); err != nil {
			d.logger.Warn("failed to remove orphaned blob", "blob", uri, "error", err)
		}
	}
}
