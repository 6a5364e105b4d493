// Package api provides the HTTP handlers and routing for the compute service:
// the user-facing job and collection API and the provider callback endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"computeplane/internal/apperrors"
	"computeplane/internal/health"
	"computeplane/internal/ingress"
	"computeplane/internal/job"
	"computeplane/internal/orchestrator"
	"computeplane/internal/provider"
)

// maxRequestBodySize limits JSON request bodies to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Jobs is the orchestrator surface exposed to users and operators.
type Jobs interface {
	StartJob(ctx context.Context, owner job.Owner, req orchestrator.StartRequest) (*job.Job, error)
	ListRecent(ctx context.Context, owner job.Owner, limit int) ([]*job.Job, error)
	FindByID(ctx context.Context, owner job.Owner, id string) (*job.Job, error)
	CancelJob(ctx context.Context, owner job.Owner, id string) (*job.Job, error)
	ExtendJob(ctx context.Context, owner job.Owner, id string, extra time.Duration) error
	SuspendJob(ctx context.Context, owner job.Owner, id string) error
	FollowStreams(ctx context.Context, req orchestrator.FollowRequest) (*orchestrator.FollowResult, error)
	OpenInteractiveSession(ctx context.Context, owner job.Owner, id string, kind provider.SessionKind) (*provider.Session, error)

	CreateCollection(ctx context.Context, owner job.Owner, req orchestrator.CreateCollectionRequest) (*job.Collection, error)
	DeleteCollection(ctx context.Context, owner job.Owner, id string) error
	UpdateCollectionACL(ctx context.Context, owner job.Owner, id string, acl []job.ACLEntry) (*job.Collection, error)
	Browse(ctx context.Context, owner job.Owner, id, path string) ([]provider.FileEntry, error)

	NotifyDeposit(ctx context.Context, providerID string, notifications []job.DepositNotification) ([]job.AllocationMode, error)
}

// Handler contains HTTP handlers for the compute API
type Handler struct {
	jobs      Jobs
	callbacks *ingress.Service
	health    *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs Jobs, callbacks *ingress.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:      jobs,
		callbacks: callbacks,
		health:    healthChecker,
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz. It answers 503 while a critical dependency
// (store, log buffer, accounting, providers) is unreachable or the service
// is draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// decodeJSON reads a size-limited JSON body into v, answering 400 on failure.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	respondError(w, status, message)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	if pe, ok := provider.AsError(err); ok {
		message = pe.Reason
	}
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, message)
}
