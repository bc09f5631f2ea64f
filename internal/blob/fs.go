package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const fsScheme = "fs://"

// FSStore keeps blobs as files in a directory with a JSON metadata sidecar.
// Timed URLs are HMAC-signed links served by the HTTP API.
type FSStore struct {
	dir        string
	signingKey []byte
	baseURL    string
	now        func() time.Time
}

// NewFSStore creates the directory if needed. baseURL is the public prefix the
// signed download route is mounted under, e.g. "http://localhost:8080/blobs".
func NewFSStore(dir string, signingKey []byte, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if len(signingKey) == 0 {
		return nil, errors.New("blob signing key must not be empty")
	}
	return &FSStore{
		dir:        dir,
		signingKey: signingKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		now:        time.Now,
	}, nil
}

func (s *FSStore) path(name string) string { return filepath.Join(s.dir, name) }
func (s *FSStore) metaPath(name string) string {
	return filepath.Join(s.dir, name+".meta.json")
}

// nameFromURI extracts and validates the object name of an fs:// URI
func nameFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, fsScheme) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	name := strings.TrimPrefix(uri, fsScheme)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return name, nil
}

// Upload writes data under a content-addressed name. Objects are never
// overwritten; an identical upload in the same second resolves to the same URI.
// Content and sidecar are staged in temporary files and the content is linked
// into place last, so an existing name always has complete content and metadata.
func (s *FSStore) Upload(ctx context.Context, data []byte, fileName, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now().UTC()
	name := Name(now, data, fileName)
	uri := fsScheme + name
	if _, err := os.Stat(s.path(name)); err == nil {
		return uri, nil
	}

	meta, err := json.Marshal(Metadata{
		OriginalFileName: fileName,
		ContentType:      contentType,
		FileSize:         int64(len(data)),
		UploadedAt:       now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode blob metadata: %w", err)
	}
	metaTmp, err := s.writeTemp(meta)
	if err != nil {
		return "", fmt.Errorf("failed to write blob metadata: %w", err)
	}
	if err := os.Rename(metaTmp, s.metaPath(name)); err != nil {
		os.Remove(metaTmp)
		return "", fmt.Errorf("failed to write blob metadata: %w", err)
	}

	tmp, err := s.writeTemp(data)
	if err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	defer os.Remove(tmp)

	err = os.Link(tmp, s.path(name))
	if errors.Is(err, os.ErrExist) {
		return uri, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return uri, nil
}

// writeTemp writes data to a hidden temporary file in the store directory
func (s *FSStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Download reads the whole object and checks it against its content hash
func (s *FSStore) Download(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.OpenStream(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	name, _ := nameFromURI(uri)
	if !Verify(name, data) {
		return nil, fmt.Errorf("%w: %s", ErrTampered, name)
	}
	return data, nil
}

// OpenStream opens the object for reading
func (s *FSStore) OpenStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := nameFromURI(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Metadata returns the sidecar written at upload time
func (s *FSStore) Metadata(uri string) (*Metadata, error) {
	name, err := nameFromURI(uri)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.metaPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob metadata: %w", err)
	}
	meta := &Metadata{}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(meta); err != nil {
		return nil, fmt.Errorf("failed to decode blob metadata: %w", err)
	}
	return meta, nil
}

// Delete removes the object and its metadata. It reports whether the object existed.
func (s *FSStore) Delete(ctx context.Context, uri string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	name, err := nameFromURI(uri)
	if err != nil {
		return false, err
	}
	err = os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := os.Remove(s.metaPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, fmt.Errorf("failed to delete blob metadata: %w", err)
	}
	return true, nil
}

// Exists reports whether the object is present
func (s *FSStore) Exists(ctx context.Context, uri string) (bool, error) {
	name, err := nameFromURI(uri)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// TimedDownloadURL returns a link that grants read access until ttl elapses
func (s *FSStore) TimedDownloadURL(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, uri)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	name, _ := nameFromURI(uri)

	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(name, expires))
	return s.baseURL + "/" + url.PathEscape(name) + "?" + q.Encode(), nil
}

// VerifySignature checks a signed link produced by TimedDownloadURL and
// returns the blob URI it grants access to
func (s *FSStore) VerifySignature(name, expires, sig string) (string, error) {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid expiry: %w", err)
	}
	if s.now().Unix() > exp {
		return "", errors.New("link expired")
	}
	want := s.sign(name, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", errors.New("invalid signature")
	}
	uri := fsScheme + name
	if _, err := nameFromURI(uri); err != nil {
		return "", err
	}
	return uri, nil
}

func (s *FSStore) sign(name string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s\n%d", name, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
