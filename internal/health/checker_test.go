package health

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.Register("store", CheckFunc(func(context.Context) error { return errors.New("down") }))

	if response := checker.Liveness(context.Background()); response.Status != StatusHealthy {
		t.Errorf("liveness must not depend on checks, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		critical map[string]ReadinessChecker
		optional map[string]ReadinessChecker
		want     Status
	}{
		{"no checks", nil, nil, StatusHealthy},
		{"all healthy", map[string]ReadinessChecker{"store": ok}, map[string]ReadinessChecker{"accounting": ok}, StatusHealthy},
		{"optional down", map[string]ReadinessChecker{"store": ok}, map[string]ReadinessChecker{"logbuffer": down}, StatusDegraded},
		{"critical down", map[string]ReadinessChecker{"store": down}, map[string]ReadinessChecker{"logbuffer": ok}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker()
			for name, c := range tt.critical {
				checker.Register(name, c)
			}
			for name, c := range tt.optional {
				checker.RegisterOptional(name, c)
			}

			response := checker.Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Readiness() = %s, want %s (%v)", response.Status, tt.want, response.Checks)
			}
			if len(response.Checks) != len(tt.critical)+len(tt.optional) {
				t.Errorf("expected a result per check, got %v", response.Checks)
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	checker := NewChecker()
	checker.Register("store", CheckFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())
	if calls.Load() != 1 {
		t.Errorf("expected cached result, check ran %d times", calls.Load())
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.Readiness(context.Background())
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy during shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("expected shutdown check in response")
	}
}

func TestResponse_Status(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status           Status
		healthy, serving bool
	}{
		{StatusHealthy, true, true},
		{StatusDegraded, false, true},
		{StatusUnhealthy, false, false},
	}
	for _, tt := range tests {
		r := &Response{Status: tt.status}
		if r.IsHealthy() != tt.healthy || r.Serving() != tt.serving {
			t.Errorf("%s: IsHealthy=%v Serving=%v", tt.status, r.IsHealthy(), r.Serving())
		}
	}
}

func TestChecker_RunsChecksConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var started atomic.Int32
	blocking := CheckFunc(func(ctx context.Context) error {
		if started.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	checker := NewChecker()
	checker.Register("store", blocking)
	checker.Register("logs", blocking)

	// Sequential checks would both time out waiting for each other.
	response := checker.Readiness(context.Background())
	if response.Status != StatusHealthy {
		t.Errorf("expected healthy, got %+v", response)
	}
}

func TestChecker_RegisterKeepsNamesSorted(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	for _, name := range []string{"store", "accounting", "providers", "logs"} {
		checker.Register(name, CheckFunc(func(context.Context) error { return nil }))
	}
	var names []string
	for _, c := range checker.checks {
		names = append(names, c.name)
	}
	if !slices.IsSorted(names) {
		t.Errorf("checks not sorted: %v", names)
	}
}
