// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies the service needs before
// it takes traffic: the job store, the log buffer, accounting, providers.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status of a single check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Response is the body of a probe.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether every check passed.
func (r *Response) IsHealthy() bool { return r.Status == StatusHealthy }

// Serving reports whether the service should stay in rotation. A failed
// optional check degrades the service without taking it out.
func (r *Response) Serving() bool { return r.Status != StatusUnhealthy }

type check struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Checker runs readiness checks concurrently and reuses the last response
// for cacheTTL so frequent probes do not load the dependencies.
type Checker struct {
	timeout  time.Duration
	cacheTTL time.Duration

	mu       sync.Mutex
	checks   []check
	cached   *Response
	cachedAt time.Time
	draining bool
}

// NewChecker creates a checker with nothing registered.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second, cacheTTL: time.Second}
}

// Register adds a check whose failure takes the service out of rotation.
func (c *Checker) Register(name string, checker ReadinessChecker) {
	c.add(check{name: name, checker: checker, critical: true})
}

// RegisterOptional adds a check whose failure only degrades readiness.
func (c *Checker) RegisterOptional(name string, checker ReadinessChecker) {
	c.add(check{name: name, checker: checker})
}

func (c *Checker) add(nc check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, _ := slices.BinarySearchFunc(c.checks, nc.name, func(a check, name string) int { return strings.Compare(a.name, name) })
	c.checks = slices.Insert(c.checks, i, nc)
	c.cached = nil
}

// Liveness is healthy for as long as the process can answer.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every check, or returns the cached response.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return &Response{Status: StatusUnhealthy, Checks: map[string]CheckResult{
			"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
		}}
	}
	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		defer c.mu.Unlock()
		return c.cached
	}
	checks := slices.Clone(c.checks)
	c.mu.Unlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Go(func() { results[i] = c.run(ctx, nc.checker) })
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checks))}
	for i, nc := range checks {
		response.Checks[nc.name] = results[i]
		switch {
		case results[i].Status == StatusHealthy:
		case nc.critical:
			response.Status = StatusUnhealthy
		case response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	if !c.draining {
		c.cached, c.cachedAt = response, time.Now()
	}
	c.mu.Unlock()
	return response
}

func (c *Checker) run(ctx context.Context, checker ReadinessChecker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := checker.Ready(ctx)
	result := CheckResult{Status: StatusHealthy, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status, result.Message = StatusUnhealthy, err.Error()
	}
	return result
}

// SetShuttingDown fails readiness from now on so load balancers drain the
// instance before the servers stop.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
	c.cached = nil
}
