// Package backoff computes capped exponential delays and runs retry loops.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomized, 0..1 (default: 0)
}

func (c *Config) resolved() Config {
	out := Config{Initial: defaultInitial, Max: defaultMax}
	if c == nil {
		return out
	}
	if c.Initial > 0 {
		out.Initial = c.Initial
	}
	if c.Max > 0 {
		out.Max = c.Max
	}
	if c.Jitter > 0 && c.Jitter <= 1 {
		out.Jitter = c.Jitter
	}
	return out
}

// Exponential returns the delay before retry number attempt: Initial for the
// first, doubling up to Max. Jitter shortens the delay by up to that
// fraction.
func Exponential(attempt int, cfg *Config) time.Duration {
	c := cfg.resolved()
	delay := c.Initial
	for i := 1; i < attempt && delay < c.Max; i++ {
		delay *= 2
	}
	delay = min(delay, c.Max)
	if c.Jitter > 0 {
		delay -= time.Duration(float64(delay) * c.Jitter * rand.Float64())
	}
	return delay
}

// Hinted is implemented by errors that carry the peer's own idea of when to
// try again, such as an HTTP Retry-After.
type Hinted interface {
	RetryDelay() time.Duration
}

// delayFor prefers a positive hint on err, capped at Max, over the computed
// delay.
func delayFor(attempt int, cfg *Config, err error) time.Duration {
	var h Hinted
	if errors.As(err, &h) {
		if d := h.RetryDelay(); d > 0 {
			return min(d, cfg.resolved().Max)
		}
	}
	return Exponential(attempt, cfg)
}

// Retry calls fn up to attempts times. It stops early on success, on an error
// retryable rejects (nil retries everything), or when ctx ends.
func Retry(ctx context.Context, attempts int, cfg *Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts = max(attempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || (retryable != nil && !retryable(err)) {
			return err
		}
		timer := time.NewTimer(delayFor(attempt, cfg, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
