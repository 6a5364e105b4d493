package provider

import (
	"context"
	"sync"

	"computeplane/internal/job"
)

// Lifecycle dispatches bulk operations to a ResourcePlugin the same way for
// every resource kind: init once per owner, then create/delete item by item
// with per-item results.
type Lifecycle[R Resource] struct {
	plugin ResourcePlugin[R]

	mu          sync.Mutex
	initialized map[string]bool
}

// NewLifecycle wraps plugin.
func NewLifecycle[R Resource](plugin ResourcePlugin[R]) *Lifecycle[R] {
	return &Lifecycle[R]{plugin: plugin, initialized: make(map[string]bool)}
}

// Plugin returns the wrapped plugin.
func (l *Lifecycle[R]) Plugin() ResourcePlugin[R] { return l.plugin }

// Init runs the plugin's Init the first time an owner is seen. A failed Init
// is retried on the next call.
func (l *Lifecycle[R]) Init(ctx context.Context, owner job.Owner) error {
	key := owner.Key()
	l.mu.Lock()
	done := l.initialized[key]
	l.mu.Unlock()
	if done {
		return nil
	}
	if err := l.plugin.Init(ctx, owner); err != nil {
		return err
	}
	l.mu.Lock()
	l.initialized[key] = true
	l.mu.Unlock()
	return nil
}

// CreateBulk creates items for owner. errs[i] is the result for items[i].
func (l *Lifecycle[R]) CreateBulk(ctx context.Context, owner job.Owner, items []R) []error {
	errs := make([]error, len(items))
	if err := l.Init(ctx, owner); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}
	for i, item := range items {
		errs[i] = l.plugin.Create(ctx, item)
	}
	return errs
}

// DeleteBulk deletes items. errs[i] is the result for items[i].
func (l *Lifecycle[R]) DeleteBulk(ctx context.Context, items []R) []error {
	errs := make([]error, len(items))
	for i, item := range items {
		errs[i] = l.plugin.Delete(ctx, item)
	}
	return errs
}

// Verify asks the provider which items it lost.
func (l *Lifecycle[R]) Verify(ctx context.Context, items []R) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return l.plugin.Verify(ctx, items)
}

// UpdateACL replaces an item's ACL.
func (l *Lifecycle[R]) UpdateACL(ctx context.Context, item R, acl []job.ACLEntry) error {
	return l.plugin.UpdateACL(ctx, item, acl)
}

// Create creates a single item.
func (l *Lifecycle[R]) Create(ctx context.Context, owner job.Owner, item R) error {
	return l.CreateBulk(ctx, owner, []R{item})[0]
}

// Delete deletes a single item.
func (l *Lifecycle[R]) Delete(ctx context.Context, item R) error {
	return l.DeleteBulk(ctx, []R{item})[0]
}
