package job

import (
	"computeplane/internal/apperrors"
	"fmt"
)

// State is a job lifecycle state.
type State string

const (
	StateInQueue         State = "IN_QUEUE"
	StateValidated       State = "VALIDATED"
	StatePrepared        State = "PREPARED"
	StateScheduled       State = "SCHEDULED"
	StateRunning         State = "RUNNING"
	StateTransferSuccess State = "TRANSFER_SUCCESS"
	StateCancelling      State = "CANCELLING"
	StateSuccess         State = "SUCCESS"
	StateFailure         State = "FAILURE"
	StateCancelled       State = "CANCELLED"
)

// terminalRank is shared by every terminal state; nothing outranks it.
const terminalRank = 7

var ranks = map[State]int{
	StateInQueue:         0,
	StateValidated:       1,
	StatePrepared:        2,
	StateScheduled:       3,
	StateRunning:         4,
	StateTransferSuccess: 5,
	StateCancelling:      6,
	StateSuccess:         terminalRank,
	StateFailure:         terminalRank,
	StateCancelled:       terminalRank,
}

// ParseState validates a state name received over the wire.
func ParseState(name string) (State, error) {
	s := State(name)
	if _, ok := ranks[s]; !ok {
		return "", apperrors.Validation("newState", fmt.Sprintf("unknown job state %q", name))
	}
	return s, nil
}

// Rank returns the position of s in the progress order, or -1 if unknown.
func (s State) Rank() int {
	r, ok := ranks[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateCancelled
}

// Decision is the outcome of checking a proposed transition.
type Decision int

const (
	// NoOp means the state stays as is; only the status message may change.
	NoOp Decision = iota
	// Accept means the job moves to the proposed state.
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accepted"
	}
	return "no-op"
}

// Decide applies the transition rule. Progress only moves forward; failure and
// cancellation may cut any non-terminal job short; once cancellation has been
// requested only a terminal state may follow; terminal states never change.
func Decide(current, proposed State) Decision {
	if current.Terminal() || proposed.Rank() < 0 {
		return NoOp
	}
	if proposed == StateFailure || proposed == StateCancelled {
		return Accept
	}
	if current == StateCancelling {
		if proposed.Terminal() {
			return Accept
		}
		return NoOp
	}
	if proposed.Rank() > current.Rank() {
		return Accept
	}
	return NoOp
}
