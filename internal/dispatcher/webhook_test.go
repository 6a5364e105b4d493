package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"computeplane/internal/testutil"
	"computeplane/pkg/cloudevent"
)

func testEvent() *cloudevent.CloudEvent {
	return cloudevent.New("compute.job.state", "computeplane/orchestrator", "job-1", "evt-1", map[string]any{"to": "RUNNING"})
}

func closeDispatcher(t *testing.T, d Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.Close(ctx)
}

func TestWebhook_DeliversSignedEvent(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	var verified atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified.Store(cloudevent.Verify(body, "secret", r.Header.Get(cloudevent.SignatureHeader),
			r.Header.Get(cloudevent.TimestampHeader), time.Now(), time.Minute))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhook(Config{BufferSize: 10, Workers: 2}, server.URL, "secret", nil)
	defer closeDispatcher(t, d)

	if err := d.Dispatch(testEvent()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	testutil.MustWaitForCount(t, &received, 1, testutil.WithTimeout(5*time.Second))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(time.Second))

	if !verified.Load() {
		t.Error("expected a valid signature header")
	}
}

func TestWebhook_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()
	d := NewWebhook(Config{BufferSize: 1, Workers: 1}, "http://127.0.0.1:1", "", nil)
	defer closeDispatcher(t, d)

	if err := d.Dispatch(cloudevent.New("", "src", "job", "id", nil)); err == nil {
		t.Error("expected validation error for event without type")
	}
}

func TestWebhook_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhook(Config{BufferSize: 1, Workers: 1}, server.URL, "", nil)
	defer closeDispatcher(t, d)
	defer close(release)

	var full int
	for range 5 {
		if err := d.Dispatch(testEvent()); err == ErrBufferFull {
			full++
		}
	}
	if full == 0 || d.Stats().Dropped == 0 {
		t.Errorf("expected dropped events, got %d errors and stats %+v", full, d.Stats())
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhook(Config{BufferSize: 10, Workers: 1}, server.URL, "", nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(testEvent())
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))

	if got := d.Stats().RetriesTotal; got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewWebhook(Config{BufferSize: 10, Workers: 1}, server.URL, "", nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(testEvent())
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 }, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestWebhook_RequeuesWhileBreakerOpen(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	var delivered atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhook(Config{BufferSize: 20, Workers: 1, Cooldown: 50 * time.Millisecond}, server.URL, "", nil)
	defer closeDispatcher(t, d)

	for range defaultConfig.BreakerThreshold + 1 {
		_ = d.Dispatch(testEvent())
	}
	testutil.MustWaitFor(t, func() bool { return d.Stats().Requeued > 0 }, testutil.WithTimeout(10*time.Second))

	healthy.Store(true)
	testutil.MustWaitFor(t, func() bool { return delivered.Load() >= 1 }, testutil.WithTimeout(10*time.Second))
}

func TestWebhook_CloseDrainsAndRejects(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	d := NewWebhook(Config{BufferSize: 10, Workers: 1}, server.URL, "", nil)
	for range 3 {
		_ = d.Dispatch(testEvent())
	}
	closeDispatcher(t, d)

	if received.Load() != 3 {
		t.Errorf("expected queued events to drain, got %d", received.Load())
	}
	if err := d.Dispatch(testEvent()); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://hooks.example.com/events": "hooks.example.com",
		"http://127.0.0.1:8080/x":          "127.0.0.1:8080",
		"not a url":                        "not a url",
	}
	for in, want := range tests {
		if got := extractHost(in); got != want {
			t.Errorf("extractHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()
	var d Dispatcher = Noop{}
	if err := d.Dispatch(testEvent()); err != nil {
		t.Errorf("Noop.Dispatch returned %v", err)
	}
	if d.Stats() != (Stats{}) {
		t.Error("Noop stats should be zero")
	}
}
