package api

import (
	"net/http"
	"strconv"

	"computeplane/internal/ingress"
	"computeplane/pkg/callback"
)

func bearer(r *http.Request) string {
	return ingress.BearerToken(r.Header.Get("Authorization"))
}

// AddStatus handles POST /compute/status
func (h *Handler) AddStatus(w http.ResponseWriter, r *http.Request) {
	var req callback.StatusRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.callbacks.HandleAddStatus(r.Context(), bearer(r), req); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ProposeStateChange handles POST /compute/state-change
func (h *Handler) ProposeStateChange(w http.ResponseWriter, r *http.Request) {
	var req callback.StateChangeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.callbacks.HandleProposedStateChange(r.Context(), bearer(r), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SubmitFile handles POST /compute/submit. The body is streamed as is; a
// request without Content-Length is refused before anything is read.
func (h *Handler) SubmitFile(w http.ResponseWriter, r *http.Request) {
	extract := false
	if v := r.Header.Get(callback.HeaderSubmitExtraction); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, callback.HeaderSubmitExtraction+" must be true or false")
			return
		}
		extract = b
	}
	err := h.callbacks.HandleIncomingFile(r.Context(), bearer(r), ingress.Submission{
		JobID:   r.Header.Get(callback.HeaderSubmitID),
		Path:    r.Header.Get(callback.HeaderSubmitPath),
		Extract: extract,
		Size:    declaredLength(r),
		Body:    r.Body,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// declaredLength is the size the client announced, or -1 without a
// Content-Length header. The server reports 0 for a request that carries
// neither a length nor a transfer encoding.
func declaredLength(r *http.Request) int64 {
	if r.Header.Get("Content-Length") == "" {
		return -1
	}
	return r.ContentLength
}

// CompleteJob handles POST /compute/completed
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req callback.CompletedRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.callbacks.HandleJobComplete(r.Context(), bearer(r), req); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LookupJob handles GET /compute/lookup/{jobId}
func (h *Handler) LookupJob(w http.ResponseWriter, r *http.Request) {
	resp, err := h.callbacks.LookupOwnJob(r.Context(), bearer(r), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}
