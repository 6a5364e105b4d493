package orchestrator

import (
	"context"
	"time"

	"computeplane/internal/job"
)

// Run drives the background sweeps until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	stuck := time.NewTicker(o.cfg.SweepInterval)
	defer stuck.Stop()
	verify := time.NewTicker(o.cfg.VerifyInterval)
	defer verify.Stop()

	o.logger.InfoContext(ctx, "Sweeps started", "sweepInterval", o.cfg.SweepInterval, "verifyInterval", o.cfg.VerifyInterval)
	for {
		select {
		case <-ctx.Done():
			o.logger.InfoContext(ctx, "Sweeps stopped")
			return
		case <-stuck.C:
			o.sweepStuck(ctx)
			if n := o.sessions.expire(o.now().Add(-o.cfg.SessionIdleTime)); n > 0 {
				o.logger.DebugContext(ctx, "Expired follow sessions", "count", n)
			}
		case <-verify.C:
			o.sweepVerify(ctx)
		}
	}
}

// sweepStuck flags jobs that stayed CANCELLING past the cancel timeout and
// asks their provider to stop them one more time. They stay CANCELLING until
// the provider reports a terminal state.
func (o *Orchestrator) sweepStuck(ctx context.Context) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "Stuck sweep failed to list jobs", "error", err)
		return
	}
	cutoff := o.now().Add(-o.cfg.CancelTimeout)
	for _, candidate := range active {
		if candidate.State != job.StateCancelling || candidate.StuckCancellation {
			continue
		}
		if candidate.CancelRequestedAt == nil || candidate.CancelRequestedAt.After(cutoff) {
			continue
		}
		if j := o.markStuck(ctx, candidate.ID, cutoff); j != nil {
			pctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
			o.requestDelete(pctx, j)
			cancel()
		}
	}
}

// markStuck flags one job under its lock and returns it, or nil when the job
// moved on since it was listed.
func (o *Orchestrator) markStuck(ctx context.Context, id string, cutoff time.Time) *job.Job {
	unlock := o.locks.lock(id)
	defer unlock()

	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		o.logger.WarnContext(ctx, "Stuck sweep failed to load job", "jobId", id, "error", err)
		return nil
	}
	if j.State != job.StateCancelling || j.StuckCancellation || j.CancelRequestedAt == nil || j.CancelRequestedAt.After(cutoff) {
		return nil
	}
	j.StuckCancellation = true
	j.UpdatedAt = o.now()
	if err := o.store.UpsertJob(ctx, j); err != nil {
		o.logger.ErrorContext(ctx, "Failed to flag stuck cancellation", "jobId", id, "error", err)
		return nil
	}

	o.jobLogger(j).ErrorContext(ctx, "Cancellation is stuck", "cancelRequestedAt", *j.CancelRequestedAt, "timeout", o.cfg.CancelTimeout)
	o.metrics.RecordStuckCancellation(ctx, j.Specification.Provider)
	o.emit(ctx, job.NewEventBuilder(j).BuildStuckEvent())
	return j
}

// sweepVerify asks every provider which of its active jobs it no longer
// knows and fails those. Jobs still IN_QUEUE are skipped because the
// provider may not have seen them yet.
func (o *Orchestrator) sweepVerify(ctx context.Context) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "Verify sweep failed to list jobs", "error", err)
		return
	}
	byProvider := make(map[string][]*job.Job)
	for _, j := range active {
		if j.State == job.StateInQueue {
			continue
		}
		byProvider[j.Specification.Provider] = append(byProvider[j.Specification.Provider], j)
	}

	for providerID, jobs := range byProvider {
		logger := o.logger.With("provider", providerID)
		_, lc, _, err := o.computeFor(jobs[0])
		if err != nil {
			logger.WarnContext(ctx, "Verify sweep skipped provider", "error", err)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
		lost, err := lc.Verify(pctx, jobs)
		cancel()
		if err != nil {
			logger.WarnContext(ctx, "Provider verify failed", "jobs", len(jobs), "error", err)
			continue
		}
		for _, id := range lost {
			o.failLost(ctx, providerID, id)
		}
	}
}

func (o *Orchestrator) failLost(ctx context.Context, providerID, id string) {
	unlock := o.locks.lock(id)
	defer unlock()

	j, err := o.store.GetJob(ctx, id)
	if err != nil || j.Specification.Provider != providerID || j.State.Terminal() {
		return
	}
	d, err := o.transition(ctx, j, job.StateFailure, StatusLostByProvider, nil)
	if err != nil {
		o.jobLogger(j).ErrorContext(ctx, "Failed to fail lost job", "error", err)
		return
	}
	if d == job.Accept {
		o.jobLogger(j).WarnContext(ctx, "Job lost by provider")
		o.metrics.RecordJobLost(ctx, providerID)
	}
}
