package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felo/mailcore/internal/blob"
	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/mailer"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers holds all HTTP handlers and their dependencies
type Handlers struct {
	mailer *mailer.Dispatcher
	db     *db.DB
	// fsBlobs serves signed blob links; nil for backends that presign
	// their own URLs
	fsBlobs *blob.FSStore
	logger  *slog.Logger
}

// New creates a new Handlers instance. fsBlobs may be nil.
func New(d *mailer.Dispatcher, database *db.DB, fsBlobs *blob.FSStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{mailer: d, db: database, fsBlobs: fsBlobs, logger: logger}
}

// Router mounts every route on a chi router
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", h.Health)
	r.Get("/blobs/{name}", h.DownloadBlob)

	r.Route("/api/email", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Post("/send-bulk", h.SendBulk)
		r.Post("/drafts", h.SaveDraft)
		r.Post("/drafts/{id}/send", h.SendDraft)
		r.Post("/reply/{id}", h.Reply)
		r.Post("/resend/{id}", h.Resend)

		r.Get("/inbox", h.Inbox)
		r.Get("/thread/{id}", h.Thread)
		r.Get("/attachment/{id}", h.DownloadAttachment)

		r.Get("/{id}", h.ViewEmail)
		r.Put("/{id}/read", h.MarkRead)
		r.Put("/{id}/archive", h.Archive)
		r.Put("/{id}/restore", h.Restore)
		r.Delete("/{id}", h.Delete)
	})

	r.Post("/api/webhook/inbound", h.InboundWebhook)
	return r
}

// Health reports whether the database answers
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", "error", err)
	}
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var verr *mailer.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, mailer.ErrNotDraft):
		return http.StatusBadRequest
	case errors.Is(err, mailer.ErrEmailNotFound),
		errors.Is(err, mailer.ErrThreadNotFound),
		errors.Is(err, mailer.ErrAttachmentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with {error, details}. Internal failures are logged and
// summarized by action instead of leaking the cause to the caller's UI.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(action, "error", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, errorResponse{Error: action, Details: err.Error()})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id", Details: chi.URLParam(r, "id")})
		return 0, false
	}
	return id, true
}

const maxJSONBody = 32 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Details: err.Error()})
		return false
	}
	return true
}
