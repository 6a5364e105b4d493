package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

// Outcome reports what a proposed state change did.
type Outcome struct {
	Decision job.Decision
	State    job.State
}

// Status messages set by the orchestrator itself.
const (
	StatusInsufficientFunds = "Insufficient funds"
	StatusLostByProvider    = "Job lost by provider"
)

// ApplyStateChange applies a provider's proposal through the state machine.
// Stale, repeated and regressive proposals are no-ops that only update the
// status message. Providers cannot move a job into CANCELLING.
func (o *Orchestrator) ApplyStateChange(ctx context.Context, ev job.StateChangeEvent) (Outcome, error) {
	unlock := o.locks.lock(ev.JobID)
	defer unlock()

	j, err := o.store.GetJob(ctx, ev.JobID)
	if err != nil {
		return Outcome{}, err
	}

	proposed := ev.ProposedState
	if proposed.Rank() < 0 {
		return Outcome{}, apperrors.Validation("newState", fmt.Sprintf("unknown job state %q", proposed))
	}
	if proposed == job.StateCancelling {
		o.jobLogger(j).WarnContext(ctx, "Provider proposed CANCELLING; ignoring", "state", j.State)
		d, err := o.updateStatus(ctx, j, ev.StatusMessage)
		return Outcome{Decision: d, State: j.State}, err
	}

	d, err := o.transition(ctx, j, proposed, ev.StatusMessage, nil)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: d, State: j.State}, nil
}

// AddStatus replaces the status message of a live job. Unknown and finished
// jobs are ignored.
func (o *Orchestrator) AddStatus(ctx context.Context, id, message string) error {
	unlock := o.locks.lock(id)
	defer unlock()

	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = o.updateStatus(ctx, j, message)
	return err
}

func (o *Orchestrator) updateStatus(ctx context.Context, j *job.Job, message string) (job.Decision, error) {
	if j.State.Terminal() || message == "" || message == j.Status {
		return job.NoOp, nil
	}
	j.Status = message
	j.UpdatedAt = o.now()
	return job.NoOp, o.store.UpsertJob(ctx, j)
}

// Complete is the provider's authoritative end of a job. The provider's
// duration is billed. When the job was already settled on wall-clock time,
// the difference is charged or released once.
func (o *Orchestrator) Complete(ctx context.Context, id string, duration time.Duration, success bool) error {
	if duration < 0 {
		return apperrors.Validation("duration", "duration must not be negative")
	}
	unlock := o.locks.lock(id)
	defer unlock()

	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return o.reconcileSettlement(ctx, j, duration)
	}

	target := job.StateSuccess
	if !success {
		target = job.StateFailure
	}
	_, err = o.transition(ctx, j, target, "", &duration)
	return err
}

// transition moves j towards target when the state machine allows it and
// persists the result. Entering a terminal state settles usage first; a
// refused charge turns the target into FAILURE. Must be called with j's lock
// held.
func (o *Orchestrator) transition(ctx context.Context, j *job.Job, target job.State, status string, reported *time.Duration) (job.Decision, error) {
	from := j.State
	decision := job.Decide(from, target)
	if decision == job.NoOp {
		if from != target && !from.Terminal() {
			o.jobLogger(j).DebugContext(ctx, "Ignoring stale state change", "state", from, "proposed", target)
		}
		return o.updateStatus(ctx, j, status)
	}

	now := o.now()
	if status != "" {
		j.Status = status
	}
	if target.Terminal() {
		settlement, err := o.settle(ctx, j, now, reported)
		if err != nil {
			return job.NoOp, err
		}
		j.Settlement = settlement
		if settlement.Outcome == job.SettlementInsufficientFunds {
			target = job.StateFailure
			j.Status = StatusInsufficientFunds
		}
	}
	firstRun := target == job.StateRunning && j.StartedAt == nil
	j.Enter(target, now)

	if err := o.store.UpsertJob(ctx, j); err != nil {
		return job.NoOp, fmt.Errorf("persist job %s: %w", j.ID, err)
	}

	o.afterTransition(ctx, j, from, firstRun)
	return job.Accept, nil
}

// afterTransition runs the side effects of an accepted transition.
func (o *Orchestrator) afterTransition(ctx context.Context, j *job.Job, from job.State, firstRun bool) {
	logger := o.jobLogger(j)
	terminal := j.State.Terminal()
	logger.InfoContext(ctx, "Job state changed", "from", from, "to", j.State, "status", j.Status)

	o.metrics.RecordTransition(ctx, j.Specification.Provider, string(from), string(j.State), terminal)
	events := job.NewEventBuilder(j)
	o.emit(ctx, events.BuildStateEvent(from))

	if firstRun {
		o.startFollowing(j)
	}
	if terminal {
		o.stopFollowing(j.ID)
		if s := j.Settlement; s != nil {
			o.metrics.RecordSettlement(ctx, j.Specification.Provider, string(s.Outcome), s.Amount, s.Duration.Seconds())
			logger.InfoContext(ctx, "Job settled", "outcome", s.Outcome, "amount", s.Amount,
				"duration", s.Duration, "providerReported", s.ProviderReported)
		}
		o.emit(ctx, events.BuildSettledEvent())
	}
}
