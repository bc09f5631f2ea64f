package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/felo/mailcore/internal/blob"
	"github.com/go-chi/chi/v5"
)

// sanitizeFilename removes dangerous characters from attachment filenames
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)

	cleaned := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == '"' || r == '\'' {
			return -1
		}
		return r
	}, filename)

	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
	}
	if cleaned == "" || cleaned == "." || cleaned == "/" {
		cleaned = "download.bin"
	}
	return cleaned
}

func setDownloadHeaders(w http.ResponseWriter, fileName, contentType string, size int64) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{
			"filename": sanitizeFilename(fileName),
		}))
	w.Header().Set("Content-Type", contentType)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// DownloadAttachment handles GET /api/email/attachment/{id}. Content held in
// the database is written directly; blob content is a redirect to a timed URL.
func (h *Handlers) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	dl, err := h.mailer.OpenAttachment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "failed to load attachment", err)
		return
	}
	if dl.RedirectURL != "" {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, dl.RedirectURL, http.StatusFound)
		return
	}

	setDownloadHeaders(w, dl.Attachment.FileName, dl.Attachment.ContentType, int64(len(dl.Data)))
	w.Write(dl.Data)
}

// DownloadBlob handles GET /blobs/{name}?expires=&sig=, the signed links
// handed out by the filesystem store
func (h *Handlers) DownloadBlob(w http.ResponseWriter, r *http.Request) {
	if h.fsBlobs == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	uri, err := h.fsBlobs.VerifySignature(chi.URLParam(r, "name"), q.Get("expires"), q.Get("sig"))
	if err != nil {
		h.logger.Warn("rejected blob download", "name", chi.URLParam(r, "name"), "error", err)
		http.Error(w, "Link invalid or expired", http.StatusForbidden)
		return
	}

	meta, err := h.fsBlobs.Metadata(uri)
	if errors.Is(err, blob.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("failed to read blob metadata", "uri", uri, "error", err)
		http.Error(w, "Failed to load file", http.StatusInternalServerError)
		return
	}

	rc, err := h.fsBlobs.OpenStream(r.Context(), uri)
	if errors.Is(err, blob.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("failed to open blob", "uri", uri, "error", err)
		http.Error(w, "Failed to load file", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	setDownloadHeaders(w, meta.OriginalFileName, meta.ContentType, meta.FileSize)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("blob download interrupted", "uri", uri, "error", err)
	}
}
