package accounting

import (
	"context"
	"sync"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

// Memory is an in-process ledger. Unknown allocations have a zero balance.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	results  map[string]Result
	charges  []ChargeRequest
	releases []ReleaseRequest
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		results:  make(map[string]Result),
	}
}

// Deposit credits an allocation.
func (m *Memory) Deposit(allocationRef string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[allocationRef] += amount
}

// Balance returns the remaining balance of an allocation.
func (m *Memory) Balance(allocationRef string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[allocationRef]
}

func (m *Memory) Charge(_ context.Context, req ChargeRequest) (Result, error) {
	if req.Key == "" || req.Amount < 0 {
		return "", apperrors.Validation("key", "charge requires a key and a non-negative amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, seen := m.results[req.Key]; seen {
		return res, nil
	}
	res := Accepted
	if m.balances[req.AllocationRef] < req.Amount {
		res = InsufficientFunds
	} else {
		m.balances[req.AllocationRef] -= req.Amount
		m.charges = append(m.charges, req)
	}
	m.results[req.Key] = res
	return res, nil
}

func (m *Memory) Release(_ context.Context, req ReleaseRequest) error {
	if req.Key == "" || req.Amount < 0 {
		return apperrors.Validation("key", "release requires a key and a non-negative amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.results[req.Key]; seen {
		return nil
	}
	m.results[req.Key] = Accepted
	m.balances[req.AllocationRef] += req.Amount
	m.releases = append(m.releases, req)
	return nil
}

func (m *Memory) CheckFunds(_ context.Context, allocationRef string, _ job.Owner) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[allocationRef] > 0, nil
}

// Charges returns the applied charges in order.
func (m *Memory) Charges() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.charges...)
}

// Releases returns the applied releases in order.
func (m *Memory) Releases() []ReleaseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReleaseRequest(nil), m.releases...)
}

// Ready implements health.ReadinessChecker.
func (m *Memory) Ready(context.Context) error { return nil }

var _ Gateway = (*Memory)(nil)
