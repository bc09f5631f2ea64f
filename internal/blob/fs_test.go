package blob

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()

	store, err := NewFSStore(t.TempDir(), []byte("test-signing-key"), "http://localhost:8080/blobs")
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC) }
	return store
}

// TestName tests the content-addressed naming scheme
func TestName(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 30, 15, 0, time.FixedZone("X", 3600))
	name := Name(now, []byte("hello"), "My Report.pdf")

	// sha256("hello") = 2cf24dba...
	assert.Equal(t, "20240305-133015-2CF24DBA-My_Report.pdf", name)
	assert.True(t, Verify(name, []byte("hello")))
	assert.False(t, Verify(name, []byte("hellO")))
	assert.False(t, Verify("garbage", []byte("hello")))
}

// TestSanitizeFileName tests file name cleaning
func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\photo.jpg`, "photo.jpg"},
		{"a\x00b\nc.txt", "abc.txt"},
		{`what?<>|"*.txt`, "what.txt"},
		{"", "attachment"},
		{"..", "attachment"},
		{"ünïcödé.txt", "ncd.txt"},
		{strings.Repeat("x", 80) + ".docx", strings.Repeat("x", 45) + ".docx"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := SanitizeFileName(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 50)
		})
	}
}

// TestFSStore_RoundTrip tests upload, download, metadata and delete
func TestFSStore_RoundTrip(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()
	data := []byte("%PDF-1.4 fake pdf bytes")

	uri, err := store.Upload(ctx, data, "quote.pdf", "application/pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "fs://20240305-143015-"))

	got, err := store.Download(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, err := store.Metadata(uri)
	require.NoError(t, err)
	assert.Equal(t, "quote.pdf", meta.OriginalFileName)
	assert.Equal(t, "application/pdf", meta.ContentType)
	assert.Equal(t, int64(len(data)), meta.FileSize)

	ok, err := store.Exists(ctx, uri)
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := store.Delete(ctx, uri)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, uri)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.Download(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestFSStore_Immutable tests that identical uploads share one object and that
// tampering is detected
func TestFSStore_Immutable(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	first, err := store.Upload(ctx, []byte("v1"), "a.txt", "text/plain")
	require.NoError(t, err)
	second, err := store.Upload(ctx, []byte("v1"), "a.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := store.Upload(ctx, []byte("v2"), "a.txt", "text/plain")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	name := strings.TrimPrefix(first, "fs://")
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, name), []byte("evil"), 0644))

	_, err = store.Download(ctx, first)
	assert.ErrorIs(t, err, ErrTampered)
}

// TestFSStore_ConcurrentIdenticalUploads tests that every caller of a racing
// identical upload can read complete content and metadata as soon as it returns
func TestFSStore_ConcurrentIdenticalUploads(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()
	data := []byte(strings.Repeat("catalogue page ", 4096))

	const uploaders = 16
	var wg sync.WaitGroup
	errs := make([]error, uploaders)
	uris := make([]string, uploaders)
	for i := range uploaders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uri, err := store.Upload(ctx, data, "catalogue.pdf", "application/pdf")
			if err != nil {
				errs[i] = err
				return
			}
			uris[i] = uri
			if _, err := store.Download(ctx, uri); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = store.Metadata(uri)
		}(i)
	}
	wg.Wait()

	for i := range uploaders {
		require.NoError(t, errs[i], "uploader %d", i)
		assert.Equal(t, uris[0], uris[i])
	}

	entries, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only the object and its sidecar remain")
}

// TestFSStore_InvalidURI tests that foreign or traversing URIs are rejected
func TestFSStore_InvalidURI(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	for _, uri := range []string{"s3://bucket/x", "fs://../secret", "fs://", "fs://a/b", "fs://.hidden"} {
		_, err := store.OpenStream(ctx, uri)
		assert.ErrorIs(t, err, ErrInvalidURI, uri)
	}
}

// TestFSStore_TimedDownloadURL tests signing and verification of download links
func TestFSStore_TimedDownloadURL(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	uri, err := store.Upload(ctx, []byte("secret"), "s.txt", "text/plain")
	require.NoError(t, err)

	link, err := store.TimedDownloadURL(ctx, uri, 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", u.Host)
	name := strings.TrimPrefix(u.Path, "/blobs/")
	q := u.Query()

	got, err := store.VerifySignature(name, q.Get("expires"), q.Get("sig"))
	require.NoError(t, err)
	assert.Equal(t, uri, got)

	_, err = store.VerifySignature(name, q.Get("expires"), strings.Repeat("0", 64))
	assert.Error(t, err, "Forged signature must fail")

	store.now = func() time.Time { return time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC) }
	_, err = store.VerifySignature(name, q.Get("expires"), q.Get("sig"))
	assert.Error(t, err, "Expired link must fail")

	assert.Equal(t, "http://localhost:8080/blobs/"+url.PathEscape(name), Redact(link))

	_, err = store.TimedDownloadURL(ctx, "fs://20240101-000000-00000000-missing.txt", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}
