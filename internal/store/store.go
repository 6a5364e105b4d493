// Package store persists jobs, collections and allocation modes. Two adapters
// are provided: an in-memory map and PostgreSQL.
package store

import (
	"context"

	"computeplane/internal/job"
)

// JobStore is durable keyed storage for job records.
type JobStore interface {
	// GetJob returns apperrors.ErrNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*job.Job, error)
	UpsertJob(ctx context.Context, j *job.Job) error
	// ListByOwner returns the owner's most recently created jobs first.
	ListByOwner(ctx context.Context, owner job.Owner, limit int) ([]*job.Job, error)
	// ListActive returns every job in a non-terminal state.
	ListActive(ctx context.Context) ([]*job.Job, error)
}

// CollectionStore keeps the orchestrator's view of provider collections.
type CollectionStore interface {
	GetCollection(ctx context.Context, id string) (*job.Collection, error)
	UpsertCollection(ctx context.Context, c *job.Collection) error
	DeleteCollection(ctx context.Context, id string) error
}

// AllocationStore records who manages each allocation's balance.
type AllocationStore interface {
	// RecordAllocation stores mode unless the allocation id already has one.
	// It returns the mode in effect and whether this call recorded it.
	RecordAllocation(ctx context.Context, mode job.AllocationMode) (job.AllocationMode, bool, error)
	GetAllocation(ctx context.Context, allocationID string) (*job.AllocationMode, error)
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	JobStore
	CollectionStore
	AllocationStore
	Ready(ctx context.Context) error
	Close()
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
