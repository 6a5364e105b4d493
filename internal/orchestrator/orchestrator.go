// Package orchestrator owns the job lifecycle: it starts jobs on providers,
// applies provider callbacks through the state machine, settles usage with
// the accounting gateway exactly once, and runs the background sweeps that
// catch stuck cancellations and jobs providers lost.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"computeplane/internal/accounting"
	"computeplane/internal/apperrors"
	"computeplane/internal/catalog"
	"computeplane/internal/dispatcher"
	"computeplane/internal/job"
	"computeplane/internal/logbuffer"
	"computeplane/internal/observability"
	"computeplane/internal/provider"
	"computeplane/internal/store"
	"computeplane/pkg/cloudevent"
)

// Deps are the collaborators the orchestrator dispatches to.
type Deps struct {
	Store      store.Store
	Registry   *provider.Registry
	Catalog    catalog.Catalog
	Accounting accounting.Gateway
	Logs       logbuffer.Buffer
	Dispatcher dispatcher.Dispatcher  // optional
	Metrics    *observability.Metrics // optional
}

// Orchestrator is safe for concurrent use. All changes to one job are
// serialized through its lock shard.
type Orchestrator struct {
	store      store.Store
	registry   *provider.Registry
	catalog    catalog.Catalog
	accounting accounting.Gateway
	logs       logbuffer.Buffer
	dispatcher dispatcher.Dispatcher
	metrics    *observability.Metrics
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	locks    lockTable
	sessions *sessionTable

	// base outlives requests; log-follow loops run under it.
	base   context.Context
	cancel context.CancelFunc

	followMu  sync.Mutex
	followers map[string]context.CancelFunc
	followWg  sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Catalog == nil || deps.Accounting == nil || deps.Logs == nil {
		return nil, errors.New("orchestrator: store, registry, catalog, accounting and log buffer are required")
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatcher.Noop{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      deps.Store,
		registry:   deps.Registry,
		catalog:    deps.Catalog,
		accounting: deps.Accounting,
		logs:       deps.Logs,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		cfg:        cfg.withDefaults(),
		logger:     slog.With("component", "orchestrator"),
		now:        time.Now,
		sessions:   newSessionTable(),
		base:       base,
		cancel:     cancel,
		followers:  make(map[string]context.CancelFunc),
	}, nil
}

// Close stops every log-follow loop and waits for them to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.followWg.Wait()
}

// jobLogger returns a logger scoped to one job.
func (o *Orchestrator) jobLogger(j *job.Job) *slog.Logger {
	return o.logger.With("jobId", j.ID, "provider", j.Specification.Provider)
}

// ownedJob loads a job the caller owns. Jobs of other owners look missing.
func (o *Orchestrator) ownedJob(ctx context.Context, owner job.Owner, id string) (*job.Job, error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Owner.Key() != owner.Key() {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

// computeFor resolves the compute plugin serving j.
func (o *Orchestrator) computeFor(j *job.Job) (provider.ComputePlugin, *provider.Lifecycle[*job.Job], *provider.Entry, error) {
	entry, err := o.registry.Lookup(j.Specification.Provider)
	if err != nil {
		return nil, nil, nil, err
	}
	plugin, lc, err := entry.Compute()
	if err != nil {
		return nil, nil, nil, err
	}
	return plugin, lc, entry, nil
}

// emit publishes a lifecycle event. Delivery is best effort.
func (o *Orchestrator) emit(ctx context.Context, event *cloudevent.CloudEvent) {
	if !job.FilteredEvents(event.Type, o.cfg.EventFilter) {
		return
	}
	if err := o.dispatcher.Dispatch(event); err != nil {
		o.logger.WarnContext(ctx, "Failed to dispatch event", "type", event.Type, "subject", event.Subject, "error", err)
	}
}
