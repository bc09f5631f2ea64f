package janitor

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/felo/mailcore/internal/blob"
	"github.com/felo/mailcore/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupJanitor(t *testing.T, opts Options) (*Janitor, *db.DB, *blob.FSStore) {
	t.Helper()
	database := db.SetupTestDB(t)
	t.Cleanup(func() { db.CleanupTestDB(t, database) })

	store, err := blob.NewFSStore(t.TempDir(), []byte("k"), "http://localhost")
	require.NoError(t, err)
	return New(database, store, opts, quietLogger()), database, store
}

func inThread(t *testing.T, database *db.DB, thread *db.Thread, subject string, mutate func(e *db.Email)) *db.Email {
	t.Helper()
	email := db.CreateTestEmail(subject, "buyer@shop.test", "sales@acme.test")
	email.MessageID = "<" + subject + "@shop.test>"
	if thread != nil {
		email.ThreadID = sql.NullInt64{Int64: thread.ID, Valid: true}
	}
	if mutate != nil {
		mutate(email)
	}
	db.InsertTestEmails(t, database, []*db.Email{email})
	return email
}

func TestSweep(t *testing.T) {
	j, database, store := setupJanitor(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()
	old := db.NewNullTime(now.Add(-31 * 24 * time.Hour))
	recent := db.NewNullTime(now.Add(-24 * time.Hour))

	// thread A loses everything, thread B keeps one survivor
	threadA := db.CreateTestThread(t, database, "A", "buyer@shop.test", "sales@acme.test")
	threadB := db.CreateTestThread(t, database, "B", "buyer@shop.test", "sales@acme.test")

	expiredA := inThread(t, database, threadA, "expired-a", func(e *db.Email) { e.DeletedAt = old })
	expiredB := inThread(t, database, threadB, "expired-b", func(e *db.Email) { e.DeletedAt = old })
	survivor := inThread(t, database, threadB, "survivor", nil)
	recentlyDeleted := inThread(t, database, threadB, "recently-deleted", func(e *db.Email) { e.DeletedAt = recent })

	uri, err := store.Upload(ctx, []byte("contract"), "contract.pdf", "application/pdf")
	require.NoError(t, err)
	_, err = database.InsertAttachment(ctx, &db.Attachment{
		EmailID: expiredA.ID, FileName: "contract.pdf", FileSize: 8,
		BlobURL: sql.NullString{String: uri, Valid: true},
	})
	require.NoError(t, err)
	_, err = database.InsertAttachment(ctx, &db.Attachment{EmailID: expiredB.ID, FileName: "n.txt", Content: []byte("n")})
	require.NoError(t, err)

	oldDraft := inThread(t, database, nil, "old-draft", func(e *db.Email) {
		e.Direction, e.Status = db.DirectionOutbound, db.StatusDraft
		e.CreatedAt = now.Add(-8 * 24 * time.Hour)
	})
	freshDraft := inThread(t, database, nil, "fresh-draft", func(e *db.Email) {
		e.Direction, e.Status = db.DirectionOutbound, db.StatusDraft
		e.CreatedAt = now.Add(-2 * 24 * time.Hour)
	})

	orphan := &db.Thread{Subject: "orphan", CreatedAt: now.Add(-2 * time.Hour)}
	_, err = database.CreateThread(ctx, orphan)
	require.NoError(t, err)
	fresh := db.CreateTestThread(t, database, "just created")

	report, err := j.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.EmailsPurged)
	assert.Equal(t, 1, report.BlobsDeleted)
	assert.Equal(t, 1, report.ThreadsDeleted)
	assert.Equal(t, 1, report.ThreadsRefreshed)
	assert.Equal(t, int64(1), report.OrphansDeleted)
	assert.Equal(t, 1, report.DraftsPurged)
	assert.Zero(t, report.Errors)

	for _, id := range []int64{expiredA.ID, expiredB.ID, oldDraft.ID} {
		e, err := database.GetEmail(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, e, "email %d should be purged", id)
	}
	for _, id := range []int64{survivor.ID, recentlyDeleted.ID, freshDraft.ID} {
		e, err := database.GetEmail(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, e, "email %d should survive", id)
	}

	n, err := database.CountAttachments(ctx, expiredB.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	exists, err := store.Exists(ctx, uri)
	require.NoError(t, err)
	assert.False(t, exists)

	gone, err := database.GetThread(ctx, threadA.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := database.GetThread(ctx, threadB.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, 1, kept.EmailCount, "only the survivor counts")

	o, err := database.GetThread(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, o)
	f, err := database.GetThread(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, f, "threads inside the grace period survive")
}

func TestPurgeEmail_KeepsSharedBlobs(t *testing.T) {
	_, database, store := setupJanitor(t, Options{})
	ctx := context.Background()

	uri, err := store.Upload(ctx, []byte("shared"), "shared.txt", "text/plain")
	require.NoError(t, err)

	a := inThread(t, database, nil, "a", nil)
	b := inThread(t, database, nil, "b", nil)
	for _, e := range []*db.Email{a, b} {
		_, err := database.InsertAttachment(ctx, &db.Attachment{
			EmailID: e.ID, FileName: "shared.txt", BlobURL: sql.NullString{String: uri, Valid: true},
		})
		require.NoError(t, err)
	}

	deleted, err := PurgeEmail(ctx, database, store, quietLogger(), a.ID)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	exists, err := store.Exists(ctx, uri)
	require.NoError(t, err)
	assert.True(t, exists, "b still references the blob")

	deleted, err = PurgeEmail(ctx, database, store, quietLogger(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestSweep_NotReentrant(t *testing.T) {
	j, _, _ := setupJanitor(t, Options{})

	j.sweeping.Lock()
	_, err := j.Sweep(context.Background())
	j.sweeping.Unlock()
	assert.ErrorIs(t, err, ErrSweepRunning)
}

func TestStartStop(t *testing.T) {
	j, database, _ := setupJanitor(t, Options{Interval: time.Hour})
	ctx := context.Background()

	expired := inThread(t, database, nil, "expired", func(e *db.Email) {
		e.DeletedAt = db.NewNullTime(time.Now().Add(-40 * 24 * time.Hour))
	})

	j.Start(ctx)
	j.Start(ctx)

	require.Eventually(t, func() bool {
		v, err := database.GetSetting(ctx, "janitor.last_sweep")
		return err == nil && v != ""
	}, 5*time.Second, 10*time.Millisecond, "the first sweep runs immediately")

	j.Stop()
	j.Stop()

	e, err := database.GetEmail(ctx, expired.ID)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestNew_Defaults(t *testing.T) {
	j := New(nil, nil, Options{}, nil)
	assert.Equal(t, 30*24*time.Hour, j.opts.Retention)
	assert.Equal(t, 7*24*time.Hour, j.opts.DraftRetention)
	assert.Equal(t, 24*time.Hour, j.opts.Interval)
	assert.Equal(t, time.Hour, j.opts.OrphanGrace)
}
