package api

import (
	"net/http"
	"strconv"
	"time"

	"computeplane/internal/job"
	"computeplane/internal/orchestrator"
	"computeplane/internal/provider"
)

// StartJob handles POST /v1/jobs
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	j, err := h.jobs.StartJob(r.Context(), ownerFrom(r.Context()), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /v1/jobs?limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := h.jobs.ListRecent(r.Context(), ownerFrom(r.Context()), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.FindByID(r.Context(), ownerFrom(r.Context()), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles DELETE /v1/jobs/{jobId}. The job stays CANCELLING until
// its provider confirms.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.CancelJob(r.Context(), ownerFrom(r.Context()), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, j)
}

type extendRequest struct {
	Extra string `json:"extra"` // Go duration, e.g. "1h30m"
}

// ExtendJob handles POST /v1/jobs/{jobId}/extend
func (h *Handler) ExtendJob(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	extra, err := time.ParseDuration(req.Extra)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "extra must be a duration such as 30m")
		return
	}
	if err := h.jobs.ExtendJob(r.Context(), ownerFrom(r.Context()), r.PathValue("jobId"), extra); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SuspendJob handles POST /v1/jobs/{jobId}/suspend
func (h *Handler) SuspendJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.SuspendJob(r.Context(), ownerFrom(r.Context()), r.PathValue("jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FollowJob handles GET /v1/jobs/{jobId}/follow. Offsets left out continue
// the named session, or start from the beginning without one. A max left out
// reads as much as one page allows; 0 skips that stream.
func (h *Handler) FollowJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := orchestrator.FollowRequest{
		Owner:   ownerFrom(r.Context()),
		JobID:   r.PathValue("jobId"),
		Session: q.Get("session"),
	}
	for _, p := range []struct {
		name string
		dst  *int
		def  int
	}{
		{"stdoutStart", &req.StdoutStart, -1},
		{"stdoutMax", &req.StdoutMax, -1},
		{"stderrStart", &req.StderrStart, -1},
		{"stderrMax", &req.StderrMax, -1},
	} {
		*p.dst = p.def
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				h.writeError(w, http.StatusBadRequest, p.name+" must be a non-negative integer")
				return
			}
			*p.dst = n
		}
	}
	res, err := h.jobs.FollowStreams(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type interactiveRequest struct {
	Kind provider.SessionKind `json:"kind"`
}

// OpenInteractive handles POST /v1/jobs/{jobId}/interactive
func (h *Handler) OpenInteractive(w http.ResponseWriter, r *http.Request) {
	var req interactiveRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	session, err := h.jobs.OpenInteractiveSession(r.Context(), ownerFrom(r.Context()), r.PathValue("jobId"), req.Kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// CreateCollection handles POST /v1/collections
func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateCollectionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	c, err := h.jobs.CreateCollection(r.Context(), ownerFrom(r.Context()), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

// DeleteCollection handles DELETE /v1/collections/{collectionId}
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.DeleteCollection(r.Context(), ownerFrom(r.Context()), r.PathValue("collectionId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type aclRequest struct {
	ACL []job.ACLEntry `json:"acl"`
}

// UpdateCollectionACL handles PUT /v1/collections/{collectionId}/acl
func (h *Handler) UpdateCollectionACL(w http.ResponseWriter, r *http.Request) {
	var req aclRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	c, err := h.jobs.UpdateCollectionACL(r.Context(), ownerFrom(r.Context()), r.PathValue("collectionId"), req.ACL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// BrowseCollection handles GET /v1/collections/{collectionId}/files?path=
func (h *Handler) BrowseCollection(w http.ResponseWriter, r *http.Request) {
	entries, err := h.jobs.Browse(r.Context(), ownerFrom(r.Context()), r.PathValue("collectionId"), r.URL.Query().Get("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []provider.FileEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

type depositRequest struct {
	Notifications []job.DepositNotification `json:"notifications"`
}

// NotifyDeposit handles POST /v1/providers/{providerId}/deposits
func (h *Handler) NotifyDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	modes, err := h.jobs.NotifyDeposit(r.Context(), r.PathValue("providerId"), req.Notifications)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if modes == nil {
		modes = []job.AllocationMode{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"modes": modes})
}
