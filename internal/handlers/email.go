package handlers

import (
	"net/http"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/mailer"
)

// Send handles POST /api/email/send
func (h *Handlers) Send(w http.ResponseWriter, r *http.Request) {
	var req mailer.EmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email, err := h.mailer.Send(r.Context(), &req)
	h.writeSendResult(w, r, "failed to send email", email, err)
}

// SaveDraft handles POST /api/email/drafts
func (h *Handlers) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req mailer.EmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email, err := h.mailer.SaveDraft(r.Context(), &req)
	h.writeSendResult(w, r, "failed to save draft", email, err)
}

// SendDraft handles POST /api/email/drafts/{id}/send
func (h *Handlers) SendDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	email, err := h.mailer.SendDraft(r.Context(), id)
	h.writeSendResult(w, r, "failed to send draft", email, err)
}

// Reply handles POST /api/email/reply/{id}
func (h *Handlers) Reply(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req mailer.EmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email, err := h.mailer.SendReply(r.Context(), id, &req)
	h.writeSendResult(w, r, "failed to send reply", email, err)
}

// Resend handles POST /api/email/resend/{id}
func (h *Handlers) Resend(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	email, err := h.mailer.Resend(r.Context(), id)
	h.writeSendResult(w, r, "failed to resend email", email, err)
}

// writeSendResult answers 200 with a SendResponse once the email is stored,
// whether or not delivery succeeded
func (h *Handlers) writeSendResult(w http.ResponseWriter, r *http.Request, action string, email *db.Email, err error) {
	if err != nil {
		h.writeError(w, r, action, err)
		return
	}
	writeJSON(w, http.StatusOK, mailer.NewSendResponse(email))
}

type bulkItem struct {
	Index int `json:"index"`
	*mailer.SendResponse
	Error string `json:"error,omitempty"`
}

type bulkResponse struct {
	Success     bool       `json:"success"`
	TotalSent   int        `json:"totalSent"`
	TotalFailed int        `json:"totalFailed"`
	Emails      []bulkItem `json:"emails"`
}

// SendBulk handles POST /api/email/send-bulk
func (h *Handlers) SendBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []*mailer.EmailRequest
	if !decodeJSON(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no emails to send"})
		return
	}

	results := h.mailer.SendBulk(r.Context(), reqs)
	resp := bulkResponse{Emails: make([]bulkItem, 0, len(results))}
	for _, res := range results {
		item := bulkItem{Index: res.Index}
		if res.Err != nil {
			item.Error = res.Err.Error()
		} else {
			item.SendResponse = mailer.NewSendResponse(res.Email)
		}
		if item.SendResponse != nil && item.Success {
			resp.TotalSent++
		} else {
			resp.TotalFailed++
		}
		resp.Emails = append(resp.Emails, item)
	}
	resp.Success = resp.TotalFailed == 0
	writeJSON(w, http.StatusOK, resp)
}
