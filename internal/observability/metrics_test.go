package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("expected metrics and handler to be non-nil")
	}

	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 500, 0.001)
	metrics.RecordJobStarted(ctx, "docker")
	metrics.RecordTransition(ctx, "docker", "IN_QUEUE", "RUNNING", false)
	metrics.RecordTransition(ctx, "docker", "RUNNING", "SUCCESS", true)
	metrics.RecordSettlement(ctx, "docker", "ACCEPTED", 3, 125)
	metrics.RecordCallback(ctx, "state-change", "accepted")
	metrics.RecordStuckCancellation(ctx, "docker")
	metrics.RecordJobLost(ctx, "docker")
	metrics.RecordProviderCall(ctx, "docker", "create", false, 0.2)
	metrics.RecordDispatcherDelivered(ctx, 0.05)
	metrics.RecordDispatcherQueueSize(ctx, 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"compute_settlements_total", "compute_stuck_cancellations_total", "http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	ctx := context.Background()
	m.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	m.RecordJobStarted(ctx, "p")
	m.RecordTransition(ctx, "p", "RUNNING", "FAILURE", true)
	m.RecordSettlement(ctx, "p", "ACCEPTED", 1, 1)
	m.RecordCallback(ctx, "status", "ok")
	m.RecordStuckCancellation(ctx, "p")
	m.RecordProviderCall(ctx, "p", "verify", true, 0.1)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/abc123/follow", "/v1/jobs/{jobId}/follow"},
		{"/v1/collections/c-1/files", "/v1/collections/{collectionId}/files"},
		{"/v1/providers/docker/deposits", "/v1/providers/{providerId}/deposits"},
		{"/compute/lookup/job-9", "/compute/lookup/{jobId}"},
		{"/compute/status", "/compute/status"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
