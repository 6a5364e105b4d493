// Package circuitbreaker guards calls to remote providers and webhook targets.
//
// A breaker opens after Threshold consecutive failures, rejects calls for
// Cooldown, then lets a single probe through (half-open). The probe's outcome
// closes or re-opens it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config tunes a breaker. Zero values take DefaultConfig's.
type Config struct {
	Threshold int           // consecutive failures that open the breaker
	Cooldown  time.Duration // how long it stays open before a probe

	// Tolerated reports errors that prove the peer is up even though the
	// call failed, such as a 4xx answer. They count as successes.
	Tolerated func(error) bool

	// OnStateChange is called outside the lock after each transition.
	OnStateChange func(from, to State)
}

// DefaultConfig opens after 5 failures and probes after 30s.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker tracks consecutive failures for one peer.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	probing  bool
	openedAt time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may go out. Every allowed call must be
// followed by Record (or RecordSuccess / RecordFailure); while half-open only
// one call is admitted until then.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	ok := true
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			ok = false
			break
		}
		b.state, b.probing = HalfOpen, true
	case HalfOpen:
		ok = !b.probing
		b.probing = true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

// Record classifies the outcome of an allowed call. A call abandoned
// because ctx ended says nothing about the peer and only frees the probe
// slot.
func (b *Breaker) Record(ctx context.Context, err error) {
	switch {
	case err == nil, b.cfg.Tolerated != nil && b.cfg.Tolerated(err):
		b.RecordSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	default:
		b.RecordFailure()
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.transition(func() {
		b.failures, b.probing, b.state = 0, false, Closed
	})
}

// RecordFailure counts a failure. The breaker opens at the threshold or when
// a probe fails.
func (b *Breaker) RecordFailure() {
	b.transition(func() {
		b.failures++
		b.probing = false
		if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
			b.state, b.openedAt = Open, b.now()
		}
	})
}

// Do runs fn when allowed and records its outcome. fn's error is returned
// unchanged, tolerated or not.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	b.Record(ctx, err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() { b.RecordSuccess() }

func (b *Breaker) transition(mutate func()) {
	b.mu.Lock()
	from := b.state
	mutate()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
