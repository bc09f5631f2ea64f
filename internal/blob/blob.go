// Package blob stores attachment content outside the database. Objects are
// immutable and addressed by a name derived from upload time, a content hash
// and the sanitized original file name.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrNotFound is returned when a blob does not exist
	ErrNotFound = errors.New("blob not found")
	// ErrTampered is returned when stored content no longer matches its name
	ErrTampered = errors.New("blob content does not match its hash")
	// ErrInvalidURI is returned for URIs the store does not own
	ErrInvalidURI = errors.New("invalid blob uri")
)

// Store is the attachment store contract shared by all backends
type Store interface {
	Upload(ctx context.Context, data []byte, fileName, contentType string) (string, error)
	Download(ctx context.Context, uri string) ([]byte, error)
	OpenStream(ctx context.Context, uri string) (io.ReadCloser, error)
	Delete(ctx context.Context, uri string) (bool, error)
	Exists(ctx context.Context, uri string) (bool, error)
	TimedDownloadURL(ctx context.Context, uri string, ttl time.Duration) (string, error)
}

// Metadata is kept beside each object so the name never needs parsing for display
type Metadata struct {
	OriginalFileName string    `json:"originalFileName"`
	ContentType      string    `json:"contentType"`
	FileSize         int64     `json:"fileSize"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

const (
	nameTimeLayout = "20060102-150405"
	hashPrefixLen  = 8
	maxNameLen     = 50
)

// Name builds the object name {yyyyMMdd-HHmmss}-{8 hex of sha256}-{sanitized name}
func Name(now time.Time, data []byte, fileName string) string {
	return fmt.Sprintf("%s-%s-%s", now.UTC().Format(nameTimeLayout), hashPrefix(data), SanitizeFileName(fileName))
}

func hashPrefix(data []byte) string {
	sum := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:hashPrefixLen]
}

// SanitizeFileName keeps a file name safe for object keys: path components,
// control characters and reserved punctuation are dropped, spaces become
// underscores and the result is capped at 50 bytes.
func SanitizeFileName(fileName string) string {
	fileName = filepath.Base(strings.ReplaceAll(fileName, `\`, "/"))

	var b strings.Builder
	for _, r := range fileName {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case unicode.IsControl(r), strings.ContainsRune(`/\:*?"<>|#%&{}$!'@+=`+"`", r):
			continue
		case r > unicode.MaxASCII:
			continue
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.Trim(b.String(), ".")
	if len(cleaned) > maxNameLen {
		ext := filepath.Ext(cleaned)
		if len(ext) >= maxNameLen {
			ext = ""
		}
		cleaned = cleaned[:maxNameLen-len(ext)] + ext
	}
	if cleaned == "" {
		cleaned = "attachment"
	}
	return cleaned
}

// Verify reports whether data still hashes to the prefix embedded in name
func Verify(name string, data []byte) bool {
	parts := strings.SplitN(name, "-", 4)
	if len(parts) < 4 {
		return false
	}
	return parts[2] == hashPrefix(data)
}

// Redact strips the query string from a capability URL so it can be logged
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[unparseable url]"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
