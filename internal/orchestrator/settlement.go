package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"computeplane/internal/accounting"
	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

func settleKey(jobID string) string  { return jobID + ":settle" }
func adjustKey(jobID string) string  { return jobID + ":adjust" }
func billableNodes(j *job.Job) int64 { return int64(max(j.Specification.Resources.Nodes, 1)) }

// chargeFor prices a duration: nodes × started minutes × price per minute.
func chargeFor(j *job.Job, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	minutes := int64((d + time.Minute - 1) / time.Minute)
	return billableNodes(j) * minutes * j.Specification.PricePerMinute
}

// providerManaged reports whether the job's allocation is tracked by the
// provider, in which case the orchestrator never charges it.
func (o *Orchestrator) providerManaged(ctx context.Context, allocationRef string) (bool, error) {
	mode, err := o.store.GetAllocation(ctx, allocationRef)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return mode.ManagedBy == job.ManagedByProvider, nil
}

// settle charges the job's usage on its terminal transition. The charge is
// keyed by job id so a retried callback, or a crash between charging and
// persisting, cannot charge twice.
func (o *Orchestrator) settle(ctx context.Context, j *job.Job, end time.Time, reported *time.Duration) (*job.Settlement, error) {
	s := &job.Settlement{Key: settleKey(j.ID), SettledAt: end}
	switch {
	case reported != nil:
		s.Duration = *reported
		s.ProviderReported = true
	case j.StartedAt != nil && end.After(*j.StartedAt):
		s.Duration = end.Sub(*j.StartedAt)
	}
	s.Amount = chargeFor(j, s.Duration)

	managed, err := o.providerManaged(ctx, j.Specification.AllocationRef)
	if err != nil {
		return nil, fmt.Errorf("look up allocation: %w", err)
	}
	switch {
	case managed:
		s.Outcome = job.SettlementProviderManaged
		return s, nil
	case s.Amount == 0:
		s.Outcome = job.SettlementNothingToCharge
		return s, nil
	}

	res, err := o.accounting.Charge(ctx, accounting.ChargeRequest{
		Key:           s.Key,
		AllocationRef: j.Specification.AllocationRef,
		Owner:         j.Owner,
		Amount:        s.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("charge job %s: %w", j.ID, err)
	}
	if res == accounting.InsufficientFunds {
		s.Outcome = job.SettlementInsufficientFunds
		return s, nil
	}
	s.Outcome = job.SettlementAccepted
	return s, nil
}

// reconcileSettlement applies a provider-reported duration to a job that was
// settled on wall-clock time. A larger figure charges the difference, a
// smaller one releases it. It happens at most once per job.
func (o *Orchestrator) reconcileSettlement(ctx context.Context, j *job.Job, reported time.Duration) error {
	s := j.Settlement
	if s == nil || s.ProviderReported || s.Adjusted {
		return nil
	}
	if s.Outcome != job.SettlementAccepted && s.Outcome != job.SettlementNothingToCharge {
		return nil
	}

	logger := o.jobLogger(j)
	amount := chargeFor(j, reported)
	delta := amount - s.Amount
	switch {
	case delta > 0:
		res, err := o.accounting.Charge(ctx, accounting.ChargeRequest{
			Key:           adjustKey(j.ID),
			AllocationRef: j.Specification.AllocationRef,
			Owner:         j.Owner,
			Amount:        delta,
		})
		if err != nil {
			return fmt.Errorf("charge adjustment for job %s: %w", j.ID, err)
		}
		if res == accounting.InsufficientFunds {
			// The job already ended, so the shortfall is only logged.
			logger.WarnContext(ctx, "Adjustment refused for insufficient funds", "delta", delta)
			amount = s.Amount
		}
	case delta < 0:
		err := o.accounting.Release(ctx, accounting.ReleaseRequest{
			Key:           adjustKey(j.ID),
			AllocationRef: j.Specification.AllocationRef,
			Amount:        -delta,
		})
		if err != nil {
			return fmt.Errorf("release adjustment for job %s: %w", j.ID, err)
		}
	}

	s.Duration = reported
	s.Amount = amount
	s.ProviderReported = true
	s.Adjusted = true
	if amount > 0 {
		s.Outcome = job.SettlementAccepted
	}
	j.UpdatedAt = o.now()
	if err := o.store.UpsertJob(ctx, j); err != nil {
		return fmt.Errorf("persist job %s: %w", j.ID, err)
	}

	logger.InfoContext(ctx, "Settlement reconciled with provider duration", "delta", delta, "amount", amount, "duration", reported)
	o.metrics.RecordSettlement(ctx, j.Specification.Provider, "ADJUSTED", max(delta, 0), reported.Seconds())
	o.emit(ctx, job.NewEventBuilder(j).BuildSettledEvent())
	return nil
}
