package api

import (
	"net/http"

	"computeplane/internal/health"
	"computeplane/internal/ingress"
	"computeplane/internal/observability"
	"computeplane/pkg/callback"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          Jobs
	Callbacks     *ingress.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	// APIKey guards the user and operator routes. Callbacks authenticate
	// with provider credentials or job tokens instead.
	APIKey string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.Callbacks, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Provider callbacks
	jsonOnly := ContentTypeMiddleware()
	mux.Handle("POST "+callback.PathStatus, jsonOnly(http.HandlerFunc(handler.AddStatus)))
	mux.Handle("POST "+callback.PathStateChange, jsonOnly(http.HandlerFunc(handler.ProposeStateChange)))
	mux.HandleFunc("POST "+callback.PathSubmit, handler.SubmitFile)
	mux.Handle("POST "+callback.PathCompleted, jsonOnly(http.HandlerFunc(handler.CompleteJob)))
	mux.HandleFunc("GET "+callback.PathLookup+"{jobId}", handler.LookupJob)

	// User endpoints - API key plus gateway identity
	auth := AuthMiddleware(cfg.APIKey)
	owner := OwnerMiddleware()
	user := func(f http.HandlerFunc) http.Handler { return chain(f, auth, owner, jsonOnly) }
	mux.Handle("POST /v1/jobs", user(handler.StartJob))
	mux.Handle("GET /v1/jobs", user(handler.ListJobs))
	mux.Handle("GET /v1/jobs/{jobId}", user(handler.GetJob))
	mux.Handle("DELETE /v1/jobs/{jobId}", user(handler.CancelJob))
	mux.Handle("POST /v1/jobs/{jobId}/extend", user(handler.ExtendJob))
	mux.Handle("POST /v1/jobs/{jobId}/suspend", user(handler.SuspendJob))
	mux.Handle("GET /v1/jobs/{jobId}/follow", user(handler.FollowJob))
	mux.Handle("POST /v1/jobs/{jobId}/interactive", user(handler.OpenInteractive))
	mux.Handle("POST /v1/collections", user(handler.CreateCollection))
	mux.Handle("DELETE /v1/collections/{collectionId}", user(handler.DeleteCollection))
	mux.Handle("PUT /v1/collections/{collectionId}/acl", user(handler.UpdateCollectionACL))
	mux.Handle("GET /v1/collections/{collectionId}/files", user(handler.BrowseCollection))

	// Operator endpoints - API key only
	mux.Handle("POST /v1/providers/{providerId}/deposits", chain(http.HandlerFunc(handler.NotifyDeposit), auth, jsonOnly))

	outer := []Middleware{RecoveryMiddleware(), LoggingMiddleware()}
	if cfg.Metrics != nil {
		outer = append(outer, MetricsMiddleware(cfg.Metrics))
	}
	return chain(mux, append(outer, CORSMiddleware())...)
}
