// Package janitor purges soft-deleted emails, stale drafts and empty
// threads on a fixed interval.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felo/mailcore/internal/blob"
	"github.com/felo/mailcore/internal/db"
)

// ErrSweepRunning is returned by Sweep while another sweep holds the lock
var ErrSweepRunning = errors.New("sweep already running")

// Options configures retention windows and the sweep interval
type Options struct {
	Retention      time.Duration
	DraftRetention time.Duration
	OrphanGrace    time.Duration
	Interval       time.Duration
}

// SweepReport counts what one sweep removed
type SweepReport struct {
	EmailsPurged     int
	BlobsDeleted     int
	ThreadsRefreshed int
	ThreadsDeleted   int
	OrphansDeleted   int64
	DraftsPurged     int
	Errors           int
	StartedAt        time.Time
	Duration         time.Duration
}

// Janitor runs retention sweeps. It should be given its own database
// handle so sweeps do not queue behind request traffic.
type Janitor struct {
	store  *db.DB
	blobs  blob.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	sweeping sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store *db.DB, blobs blob.Store, opts Options, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.DraftRetention <= 0 {
		opts.DraftRetention = 7 * 24 * time.Hour
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	return &Janitor{
		store:  store,
		blobs:  blobs,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// A failed sweep is logged and the loop carries on.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor started", "interval", j.opts.Interval, "retention", j.opts.Retention)

	j.runOnce(ctx)

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

// runOnce sweeps to completion even if ctx is cancelled midway
func (j *Janitor) runOnce(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	report, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error("retention sweep failed", "error", err)
		return
	}
	j.logger.Info("retention sweep finished",
		"emails_purged", report.EmailsPurged,
		"drafts_purged", report.DraftsPurged,
		"threads_deleted", report.ThreadsDeleted+int(report.OrphansDeleted),
		"threads_refreshed", report.ThreadsRefreshed,
		"errors", report.Errors,
		"duration", report.Duration,
	)
	if err := j.store.SetSetting(ctx, "janitor.last_sweep", report.StartedAt.Format(time.RFC3339)); err != nil {
		j.logger.Warn("failed to record sweep time", "error", err)
	}
}

// Start runs the loop in a goroutine. It is a no-op when already started.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	j.cancel, j.done = cancel, done

	go func() {
		defer close(done)
		j.Run(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep performs one retention pass: expired soft-deleted emails, the
// threads they belonged to, orphan threads and stale drafts. Failures on
// single emails are logged and counted; the sweep continues.
func (j *Janitor) Sweep(ctx context.Context) (*SweepReport, error) {
	if !j.sweeping.TryLock() {
		return nil, ErrSweepRunning
	}
	defer j.sweeping.Unlock()

	now := j.now()
	report := &SweepReport{StartedAt: now}
	defer func() { report.Duration = time.Since(now) }()

	expired, err := j.store.ListDeletedBefore(ctx, now.Add(-j.opts.Retention))
	if err != nil {
		return nil, err
	}

	touched := map[int64]struct{}{}
	for _, email := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		blobs, err := PurgeEmail(ctx, j.store, j.blobs, j.logger, email.ID)
		if err != nil {
			j.logger.Error("failed to purge email", "email_id", email.ID, "error", err)
			report.Errors++
			continue
		}
		report.EmailsPurged++
		report.BlobsDeleted += blobs
		if email.ThreadID.Valid {
			touched[email.ThreadID.Int64] = struct{}{}
		}
	}

	for id := range touched {
		deleted, err := j.store.RecomputeThread(ctx, id)
		if err != nil {
			j.logger.Error("failed to recompute thread", "thread_id", id, "error", err)
			report.Errors++
			continue
		}
		if deleted {
			report.ThreadsDeleted++
		} else {
			report.ThreadsRefreshed++
		}
	}

	orphans, err := j.store.DeleteOrphanThreads(ctx, now.Add(-j.opts.OrphanGrace))
	if err != nil {
		j.logger.Error("failed to delete orphan threads", "error", err)
		report.Errors++
	}
	report.OrphansDeleted = orphans

	drafts, err := j.store.ListDraftsBefore(ctx, now.Add(-j.opts.DraftRetention))
	if err != nil {
		return report, err
	}
	for _, draft := range drafts {
		blobs, err := PurgeEmail(ctx, j.store, j.blobs, j.logger, draft.ID)
		if err != nil {
			j.logger.Error("failed to purge draft", "email_id", draft.ID, "error", err)
			report.Errors++
			continue
		}
		report.DraftsPurged++
		report.BlobsDeleted += blobs
		if draft.ThreadID.Valid {
			if _, err := j.store.RecomputeThread(ctx, draft.ThreadID.Int64); err != nil {
				j.logger.Error("failed to recompute thread", "thread_id", draft.ThreadID.Int64, "error", err)
				report.Errors++
			}
		}
	}

	return report, nil
}

// PurgeEmail permanently removes an email and its attachments, then
// deletes blobs nothing else references. It returns how many blobs were
// deleted. Blob failures are logged; the rows are already gone by then.
func PurgeEmail(ctx context.Context, store *db.DB, blobs blob.Store, logger *slog.Logger, id int64) (int, error) {
	uris, err := store.DeleteEmailCascade(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to purge email %d: %w", id, err)
	}

	deleted := 0
	for _, uri := range uris {
		refs, err := store.CountBlobReferences(ctx, uri)
		if err != nil {
			logger.Warn("failed to check blob references", "blob", uri, "error", err)
			continue
		}
		if refs > 0 {
			continue
		}
		ok, err := blobs.Delete(ctx, uri)
		if err != nil {
			logger.Warn("failed to delete blob", "blob", uri, "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
