package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/internal/provider"
)

// Request limits.
const (
	maxParameters  = 64
	maxInputs      = 32
	maxOutputGlobs = 32
	maxListLimit   = 250
)

// StartRequest is a user's request to run an application.
type StartRequest struct {
	Application         job.Application   `json:"application"`
	Parameters          map[string]string `json:"parameters,omitempty"`
	Provider            string            `json:"provider"`
	Product             string            `json:"product"`
	Resources           job.Resources     `json:"resources"`
	Inputs              []job.Input       `json:"inputs,omitempty"`
	AllocationRef       string            `json:"allocationRef"`
	ArchiveInCollection string            `json:"archiveInCollection,omitempty"`
}

func (r *StartRequest) validate() error {
	switch {
	case r.Application.Name == "" || r.Application.Version == "":
		return apperrors.Validation("application", "application name and version are required")
	case r.Provider == "":
		return apperrors.Validation("provider", "provider is required")
	case r.Product == "":
		return apperrors.Validation("product", "product is required")
	case r.AllocationRef == "":
		return apperrors.Validation("allocationRef", "allocation is required")
	case r.Resources.Nodes < 0 || r.Resources.TasksPerNode < 0 || r.Resources.MaxTime < 0:
		return apperrors.Validation("resources", "resources must not be negative")
	case len(r.Parameters) > maxParameters:
		return apperrors.Validation("parameters", fmt.Sprintf("at most %d parameters are allowed", maxParameters))
	case len(r.Inputs) > maxInputs:
		return apperrors.Validation("inputs", fmt.Sprintf("at most %d inputs are allowed", maxInputs))
	}
	for i, in := range r.Inputs {
		if strings.TrimSpace(in.Path) == "" {
			return apperrors.Validation(fmt.Sprintf("inputs[%d].path", i), "input path is required")
		}
	}
	return nil
}

func applyDefaults(r *StartRequest) {
	if r.Resources.Nodes == 0 {
		r.Resources.Nodes = 1
	}
	if r.Resources.TasksPerNode == 0 {
		r.Resources.TasksPerNode = 1
	}
}

// StartJob validates the request against the catalog, the provider's support
// manifest and the owner's funds, records the job, and asks the provider to
// create it. A provider refusal ends the job in FAILURE without a charge and
// is returned to the caller.
func (o *Orchestrator) StartJob(ctx context.Context, owner job.Owner, req StartRequest) (*job.Job, error) {
	if owner.Username == "" {
		return nil, apperrors.Unauthorized("a user is required")
	}
	applyDefaults(&req)
	if err := req.validate(); err != nil {
		return nil, err
	}

	app, err := o.catalog.Resolve(ctx, req.Application)
	if err != nil {
		return nil, err
	}
	invocation, err := app.Expand(req.Parameters)
	if err != nil {
		return nil, err
	}
	if len(app.OutputGlobs) > maxOutputGlobs {
		return nil, apperrors.Validation("outputGlobs", "application declares too many outputs")
	}

	entry, err := o.registry.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	_, lc, err := entry.Compute()
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("provider %s does not run jobs", req.Provider))
	}
	product, err := checkCapability(entry.Manifest, app.Tool.Backend, &req)
	if err != nil {
		return nil, err
	}

	managed, err := o.providerManaged(ctx, req.AllocationRef)
	if err != nil {
		return nil, err
	}
	if !managed {
		ok, err := o.accounting.CheckFunds(ctx, req.AllocationRef, owner)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.Validation("allocationRef", "insufficient funds")
		}
	}

	archive, err := o.outputCollection(ctx, owner, entry, req.ArchiveInCollection)
	if err != nil {
		return nil, err
	}

	token, err := newAccessToken()
	if err != nil {
		return nil, apperrors.Internal("generate access token", err)
	}
	now := o.now()
	j := &job.Job{
		ID:          uuid.NewString(),
		Owner:       owner,
		AccessToken: token,
		Specification: job.Specification{
			Application:    app.Ref(),
			Tool:           app.Tool,
			Invocation:     invocation,
			Parameters:     req.Parameters,
			Provider:       req.Provider,
			Product:        product.ID,
			PricePerMinute: product.PricePerMinute,
			Resources:      req.Resources,
			OutputGlobs:    slices.Clone(app.OutputGlobs),
			Inputs:         req.Inputs,
			AllocationRef:  req.AllocationRef,
		},
		ArchiveInCollection: archive,
		CreatedAt:           now,
	}
	j.Enter(job.StateInQueue, now)
	j.Status = "Job is queued"

	if err := o.store.UpsertJob(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	logger := o.jobLogger(j)
	logger.InfoContext(ctx, "Job created", "application", app.Name+"@"+app.Version, "owner", owner.Key())
	o.metrics.RecordJobStarted(ctx, req.Provider)

	// The provider call runs unlocked: the provider may report progress, and
	// the owner may cancel, before Create returns.
	createErr := lc.Create(ctx, owner, j.Clone())

	ctx = context.WithoutCancel(ctx)
	unlock := o.locks.lock(j.ID)
	defer unlock()
	if j, err = o.store.GetJob(ctx, j.ID); err != nil {
		return nil, err
	}
	if createErr != nil {
		logger.WarnContext(ctx, "Provider refused job", "error", createErr)
		if _, err := o.transition(ctx, j, job.StateFailure, "Failed to start: "+reason(createErr), nil); err != nil {
			logger.ErrorContext(ctx, "Failed to record start failure", "error", err)
		}
		return nil, createErr
	}
	// A job the provider already moved along keeps its state and status.
	if j.State == job.StateInQueue {
		if _, err := o.transition(ctx, j, job.StateValidated, "Job accepted by provider", nil); err != nil {
			return nil, err
		}
	}
	return j.Clone(), nil
}

// checkCapability verifies the request fits the product limits and the
// backends the provider declared. It fills in the maximum time from the
// product when the request leaves it open.
func checkCapability(m provider.Manifest, backend string, req *StartRequest) (provider.Product, error) {
	product, ok := m.Product(req.Product)
	if !ok {
		return provider.Product{}, apperrors.Validation("product", fmt.Sprintf("provider %s has no product %q", req.Provider, req.Product))
	}
	if product.MaxNodes > 0 && req.Resources.Nodes > product.MaxNodes {
		return provider.Product{}, apperrors.Validation("resources.nodes", fmt.Sprintf("at most %d nodes are available", product.MaxNodes))
	}
	if req.Resources.MaxTime == 0 {
		req.Resources.MaxTime = product.MaxTime
	}
	if product.MaxTime > 0 && req.Resources.MaxTime > product.MaxTime {
		return provider.Product{}, apperrors.Validation("resources.maxTime", fmt.Sprintf("maximum time is %s", product.MaxTime))
	}
	if m.Compute != nil && len(m.Compute.Backends) > 0 && !slices.ContainsFunc(m.Compute.Backends, func(b string) bool {
		return strings.EqualFold(b, backend)
	}) {
		return provider.Product{}, apperrors.Validation("application", fmt.Sprintf("provider %s cannot run %s applications", req.Provider, backend))
	}
	return product, nil
}

// outputCollection resolves where the job's outputs land. A named collection
// must belong to the owner and live on the same provider. Without one, a
// collection is created on the provider when it manages collections.
func (o *Orchestrator) outputCollection(ctx context.Context, owner job.Owner, entry *provider.Entry, id string) (string, error) {
	if id != "" {
		c, err := o.store.GetCollection(ctx, id)
		if err != nil {
			return "", err
		}
		if c.Owner.Key() != owner.Key() {
			return "", apperrors.NotFound("collection", id)
		}
		if c.Provider != entry.ID {
			return "", apperrors.Validation("archiveInCollection", "collection is hosted by another provider")
		}
		return c.ID, nil
	}

	if entry.Manifest.Collections == nil || !entry.Manifest.Collections.Create {
		return "", nil
	}
	c, err := o.createCollection(ctx, owner, entry, CreateCollectionRequest{Provider: entry.ID, Title: "Job outputs"})
	if err != nil {
		return "", fmt.Errorf("create output collection: %w", err)
	}
	return c.ID, nil
}

func newAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// reason extracts the human-readable part of a provider failure.
func reason(err error) string {
	if pe, ok := provider.AsError(err); ok {
		return pe.Reason
	}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// CancelJob moves a live job to CANCELLING and asks the provider to stop it.
// The job stays CANCELLING until the provider confirms with a terminal
// callback. Cancelling twice is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, owner job.Owner, id string) (*job.Job, error) {
	unlock := o.locks.lock(id)
	j, err := o.ownedJob(ctx, owner, id)
	if err != nil {
		unlock()
		return nil, err
	}
	switch {
	case j.State.Terminal():
		unlock()
		return nil, apperrors.Conflict("job", id, "job has already finished")
	case j.State == job.StateCancelling:
		unlock()
		return j, nil
	}

	now := o.now()
	j.CancelRequestedAt = &now
	if _, err := o.transition(ctx, j, job.StateCancelling, "Cancellation requested", nil); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	o.requestDelete(ctx, j)
	return j.Clone(), nil
}

// requestDelete asks the provider to stop a job. Failures are logged: the
// stuck-cancellation sweep retries once.
func (o *Orchestrator) requestDelete(ctx context.Context, j *job.Job) {
	logger := o.jobLogger(j)
	_, lc, _, err := o.computeFor(j)
	if err == nil {
		err = lc.Delete(ctx, j.Clone())
	}
	if err != nil {
		logger.WarnContext(ctx, "Provider delete failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "Provider asked to stop job")
}

// ExtendJob gives a running job more time.
func (o *Orchestrator) ExtendJob(ctx context.Context, owner job.Owner, id string, extra time.Duration) error {
	if extra <= 0 {
		return apperrors.Validation("extra", "extension must be positive")
	}
	j, plugin, err := o.runningJob(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := plugin.Extend(ctx, j, extra); err != nil {
		return err
	}
	o.jobLogger(j).InfoContext(ctx, "Job extended", "extra", extra)
	return nil
}

// SuspendJob pauses a running job on the provider.
func (o *Orchestrator) SuspendJob(ctx context.Context, owner job.Owner, id string) error {
	j, plugin, err := o.runningJob(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := plugin.Suspend(ctx, j); err != nil {
		return err
	}
	o.jobLogger(j).InfoContext(ctx, "Job suspended")
	return nil
}

// OpenInteractiveSession opens a web, VNC or shell session to a running job.
func (o *Orchestrator) OpenInteractiveSession(ctx context.Context, owner job.Owner, id string, kind provider.SessionKind) (*provider.Session, error) {
	switch kind {
	case provider.SessionWeb, provider.SessionVNC, provider.SessionShell:
	default:
		return nil, apperrors.Validation("kind", fmt.Sprintf("unknown session kind %q", kind))
	}
	j, plugin, err := o.runningJob(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return plugin.OpenInteractiveSession(ctx, j, kind)
}

func (o *Orchestrator) runningJob(ctx context.Context, owner job.Owner, id string) (*job.Job, provider.ComputePlugin, error) {
	j, err := o.ownedJob(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if j.State != job.StateRunning {
		return nil, nil, apperrors.Conflict("job", id, fmt.Sprintf("job is %s, not RUNNING", j.State))
	}
	plugin, _, _, err := o.computeFor(j)
	if err != nil {
		return nil, nil, err
	}
	return j, plugin, nil
}

// FindByID returns one of the owner's jobs.
func (o *Orchestrator) FindByID(ctx context.Context, owner job.Owner, id string) (*job.Job, error) {
	return o.ownedJob(ctx, owner, id)
}

// ListRecent returns the owner's most recent jobs, newest first.
func (o *Orchestrator) ListRecent(ctx context.Context, owner job.Owner, limit int) ([]*job.Job, error) {
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return o.store.ListByOwner(ctx, owner, limit)
}
