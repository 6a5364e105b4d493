package store

import (
	"context"
	"sort"
	"sync"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

// Memory keeps everything in maps. Records are cloned on the way in and out so
// callers never share memory with the store.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]*job.Job
	collections map[string]*job.Collection
	allocations map[string]job.AllocationMode
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*job.Job),
		collections: make(map[string]*job.Collection),
		allocations: make(map[string]job.AllocationMode),
	}
}

func (m *Memory) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (m *Memory) UpsertJob(_ context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) ListByOwner(_ context.Context, owner job.Owner, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := owner.Key()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Owner.Key() == key {
			out = append(out, j.Clone())
		}
	}
	sortRecent(out)
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActive(context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if !j.State.Terminal() {
			out = append(out, j.Clone())
		}
	}
	sortRecent(out)
	return out, nil
}

func sortRecent(jobs []*job.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}

func (m *Memory) GetCollection(_ context.Context, id string) (*job.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, apperrors.NotFound("collection", id)
	}
	return c.Clone(), nil
}

func (m *Memory) UpsertCollection(_ context.Context, c *job.Collection) error {
	if c == nil || c.ID == "" {
		return apperrors.Validation("id", "collection id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c.ID] = c.Clone()
	return nil
}

func (m *Memory) DeleteCollection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[id]; !ok {
		return apperrors.NotFound("collection", id)
	}
	delete(m.collections, id)
	return nil
}

func (m *Memory) RecordAllocation(_ context.Context, mode job.AllocationMode) (job.AllocationMode, bool, error) {
	if mode.AllocationID == "" {
		return job.AllocationMode{}, false, apperrors.Validation("allocationId", "allocation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.allocations[mode.AllocationID]; ok {
		return existing, false, nil
	}
	m.allocations[mode.AllocationID] = mode
	return mode, true, nil
}

func (m *Memory) GetAllocation(_ context.Context, allocationID string) (*job.AllocationMode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mode, ok := m.allocations[allocationID]
	if !ok {
		return nil, apperrors.NotFound("allocation", allocationID)
	}
	return &mode, nil
}

func (m *Memory) Ready(context.Context) error { return nil }

func (m *Memory) Close() {}

var _ Store = (*Memory)(nil)
