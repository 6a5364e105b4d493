// Package accounting is the narrow interface to the external accounting ledger.
// The orchestrator charges usage on terminal transitions and releases
// over-charges after provider reconciliation.
package accounting

import (
	"context"

	"computeplane/internal/job"
)

// Result is the ledger's answer to a charge.
type Result string

const (
	Accepted          Result = "ACCEPTED"
	InsufficientFunds Result = "INSUFFICIENT_FUNDS"
)

// ChargeRequest deducts Amount from an allocation. Key makes the charge
// idempotent: the ledger applies each key at most once and returns the
// original result for repeats.
type ChargeRequest struct {
	Key           string    `json:"key"`
	AllocationRef string    `json:"allocationRef"`
	Owner         job.Owner `json:"owner"`
	Amount        int64     `json:"amount"`
}

// ReleaseRequest gives Amount back to an allocation. Also idempotent per Key.
type ReleaseRequest struct {
	Key           string `json:"key"`
	AllocationRef string `json:"allocationRef"`
	Amount        int64  `json:"amount"`
}

// Gateway is implemented by the in-memory ledger and the HTTP client.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	Release(ctx context.Context, req ReleaseRequest) error
	// CheckFunds reports whether the allocation has a positive balance.
	CheckFunds(ctx context.Context, allocationRef string, owner job.Owner) (bool, error)
}
