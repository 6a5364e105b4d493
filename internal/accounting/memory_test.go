package accounting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"computeplane/internal/job"
)

func TestMemory_ChargeIsIdempotentPerKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.Deposit("alloc-1", 100)

	req := ChargeRequest{Key: "job-1:settle", AllocationRef: "alloc-1", Amount: 30}
	for range 3 {
		res, err := m.Charge(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, Accepted, res)
	}
	assert.Len(t, m.Charges(), 1)
	assert.Equal(t, int64(70), m.Balance("alloc-1"))
}

func TestMemory_InsufficientFunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.Deposit("alloc-1", 10)

	res, err := m.Charge(ctx, ChargeRequest{Key: "k", AllocationRef: "alloc-1", Amount: 11})
	require.NoError(t, err)
	assert.Equal(t, InsufficientFunds, res)
	assert.Equal(t, int64(10), m.Balance("alloc-1"), "refused charge must not deduct")

	res, err = m.Charge(ctx, ChargeRequest{Key: "k", AllocationRef: "alloc-1", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, InsufficientFunds, res, "a repeated key returns the original result")
}

func TestMemory_Release(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.Deposit("alloc-1", 10)

	require.NoError(t, m.Release(ctx, ReleaseRequest{Key: "job-1:adjust", AllocationRef: "alloc-1", Amount: 5}))
	require.NoError(t, m.Release(ctx, ReleaseRequest{Key: "job-1:adjust", AllocationRef: "alloc-1", Amount: 5}))
	assert.Equal(t, int64(15), m.Balance("alloc-1"))
	assert.Len(t, m.Releases(), 1)
}

func TestMemory_CheckFunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.Deposit("funded", 1)

	ok, err := m.CheckFunds(ctx, "funded", job.Owner{Username: "alice"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CheckFunds(ctx, "empty", job.Owner{Username: "alice"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_RejectsMissingKey(t *testing.T) {
	t.Parallel()
	_, err := NewMemory().Charge(context.Background(), ChargeRequest{AllocationRef: "a", Amount: 1})
	assert.Error(t, err)
}
