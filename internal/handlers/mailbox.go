package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/mailer"
)

// Inbox handles GET /api/email/inbox
func (h *Handlers) Inbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// unparsable paging falls back to the defaults
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	inbox, err := h.mailer.GetInbox(r.Context(), mailer.InboxQuery{
		UserEmail: q.Get("userEmail"),
		Page:      page,
		PageSize:  pageSize,
		Folder:    q.Get("folder"),
		Category:  q.Get("category"),
		Search:    q.Get("search"),
	})
	if err != nil {
		h.writeError(w, r, "failed to retrieve inbox", err)
		return
	}
	writeJSON(w, http.StatusOK, inbox)
}

// Thread handles GET /api/email/thread/{id}
func (h *Handlers) Thread(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	thread, err := h.mailer.GetThread(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "failed to retrieve thread", err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// ViewEmail handles GET /api/email/{id}
func (h *Handlers) ViewEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	email, err := h.mailer.GetEmail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "failed to retrieve email", err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

type mutation func(ctx context.Context, id int64) (*db.Email, error)

func (h *Handlers) mutate(w http.ResponseWriter, r *http.Request, action, done string, fn mutation) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, err := fn(r.Context(), id); err != nil {
		h.writeError(w, r, action, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": done})
}

// MarkRead handles PUT /api/email/{id}/read
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "failed to mark email as read", "Email marked as read", h.mailer.MarkRead)
}

// Archive handles PUT /api/email/{id}/archive
func (h *Handlers) Archive(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "failed to archive email", "Email archived", h.mailer.Archive)
}

// Restore handles PUT /api/email/{id}/restore
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "failed to restore email", "Email restored", h.mailer.Restore)
}

// Delete handles DELETE /api/email/{id}. ?permanent=true removes the email
// and its attachments immediately instead of moving it to the deleted folder.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))
	if !permanent {
		h.mutate(w, r, "failed to delete email", "Email deleted", h.mailer.SoftDelete)
		return
	}
	h.mutate(w, r, "failed to delete email", "Email permanently deleted", func(ctx context.Context, id int64) (*db.Email, error) {
		return nil, h.mailer.PermanentDelete(ctx, id)
	})
}
