package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

// Connector yields a provider's manifest and the plugins that serve it.
// rpc.Client is the remote implementation; Local wraps in-process plugins.
type Connector interface {
	Describe(ctx context.Context) (Manifest, error)
	Plugins(m Manifest) Plugins
}

// Local serves in-process plugins.
type Local struct {
	ID  string
	Set Plugins
}

func (l Local) Describe(ctx context.Context) (Manifest, error) { return l.Set.Describe(ctx, l.ID) }
func (l Local) Plugins(Manifest) Plugins                        { return l.Set }

// Entry is a discovered provider.
type Entry struct {
	ID       string
	Manifest Manifest
	plugins  Plugins

	compute     *Lifecycle[*job.Job]
	collections *Lifecycle[*job.Collection]
}

func newEntry(id string, m Manifest, p Plugins) *Entry {
	e := &Entry{ID: id, Manifest: m, plugins: p}
	if p.Compute != nil {
		e.compute = NewLifecycle[*job.Job](p.Compute)
	}
	if p.Collections != nil {
		e.collections = NewLifecycle[*job.Collection](p.Collections)
	}
	return e
}

// Compute returns the compute plugin and its lifecycle dispatcher.
func (e *Entry) Compute() (ComputePlugin, *Lifecycle[*job.Job], error) {
	if e.plugins.Compute == nil {
		return nil, nil, NotSupported()
	}
	return e.plugins.Compute, e.compute, nil
}

// Collections returns the collection lifecycle dispatcher.
func (e *Entry) Collections() (*Lifecycle[*job.Collection], error) {
	if e.collections == nil {
		return nil, NotSupported()
	}
	return e.collections, nil
}

// Files returns the file plugin.
func (e *Entry) Files() (FilePlugin, error) {
	if e.plugins.Files == nil {
		return nil, NotSupported()
	}
	return e.plugins.Files, nil
}

// Allocations returns the allocation plugin, falling back to DefaultAllocations.
func (e *Entry) Allocations() AllocationPlugin {
	if e.plugins.Allocations == nil {
		return DefaultAllocations{}
	}
	return e.plugins.Allocations
}

// Identity returns the identity mapper when the provider declares one.
func (e *Entry) Identity() (IdentityMapperPlugin, bool) {
	return e.plugins.Identity, e.plugins.Identity != nil
}

// Connection returns the connection plugin.
func (e *Entry) Connection() (ConnectionPlugin, error) {
	if e.plugins.Connection == nil {
		return nil, NotSupported()
	}
	return e.plugins.Connection, nil
}

// Registry maps provider ids to their discovered capabilities.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	entries    map[string]*Entry
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		entries:    make(map[string]*Entry),
		logger:     slog.With("component", "provider-registry"),
	}
}

// Register adds a provider. It is not usable until Discover succeeds for it.
func (r *Registry) Register(id string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[id] = c
}

// Discover fetches every provider's manifest. Providers that fail keep their
// previous entry, if any; the combined error lists them.
func (r *Registry) Discover(ctx context.Context) error {
	r.mu.RLock()
	connectors := make(map[string]Connector, len(r.connectors))
	for id, c := range r.connectors {
		connectors[id] = c
	}
	r.mu.RUnlock()

	var errs []error
	for id, c := range connectors {
		m, err := c.Describe(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "Provider discovery failed", "provider", id, "error", err)
			errs = append(errs, fmt.Errorf("discover %s: %w", id, err))
			continue
		}
		m.Provider = id
		entry := newEntry(id, m, c.Plugins(m))

		r.mu.Lock()
		if prev, ok := r.entries[id]; ok {
			// Keep init bookkeeping across refreshes.
			if prev.compute != nil && entry.compute != nil {
				entry.compute = prev.compute
			}
			if prev.collections != nil && entry.collections != nil {
				entry.collections = prev.collections
			}
		}
		r.entries[id] = entry
		r.mu.Unlock()

		r.logger.InfoContext(ctx, "Provider discovered", "provider", id,
			"products", len(m.Products), "compute", m.Compute != nil, "collections", m.Collections != nil)
	}
	return errors.Join(errs...)
}

// Lookup returns the discovered entry for id.
func (r *Registry) Lookup(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	if _, ok := r.connectors[id]; ok {
		return nil, apperrors.Unavailable("provider "+id, errors.New("provider has not been discovered"))
	}
	return nil, apperrors.NotFound("provider", id)
}

// IDs returns the discovered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ready fails until at least one registered provider has been discovered.
func (r *Registry) Ready(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.connectors) > 0 && len(r.entries) == 0 {
		return errors.New("no provider discovered")
	}
	return nil
}
