package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the control plane's instruments. A nil *Metrics is valid and
// records nothing, so packages can take it as an optional dependency.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobsStarted        metric.Int64Counter
	JobTransitions     metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter
	JobDuration        metric.Float64Histogram
	Settlements        metric.Int64Counter
	SettledAmount      metric.Int64Counter
	Callbacks          metric.Int64Counter
	StuckCancellations metric.Int64Counter
	JobsLost           metric.Int64Counter

	ProviderCallDuration metric.Float64Histogram
	ProviderCallErrors   metric.Int64Counter

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("computeplane")}
	if err := m.register(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) register() error {
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	histogram := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		return h
	}

	m.HTTPRequestDuration = histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsStarted = counter("compute_jobs_started_total", "Jobs accepted by startJob")
	m.JobTransitions = counter("compute_job_transitions_total", "Accepted job state transitions")
	m.JobDuration = histogram("compute_job_billable_seconds", "Billable job duration in seconds",
		1, 5, 10, 30, 60, 300, 900, 1800, 3600, 14400, 86400)
	m.Settlements = counter("compute_settlements_total", "Job settlements by outcome")
	m.SettledAmount = counter("compute_settled_amount_total", "Amount charged at settlement")
	m.Callbacks = counter("compute_callbacks_total", "Provider callbacks by endpoint and result")
	m.StuckCancellations = counter("compute_stuck_cancellations_total", "Cancellations that exceeded the cancel timeout")
	m.JobsLost = counter("compute_jobs_lost_total", "Jobs reported lost by provider verification")
	m.ProviderCallDuration = histogram("compute_provider_call_duration_seconds", "Provider RPC latency in seconds",
		0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.ProviderCallErrors = counter("compute_provider_call_errors_total", "Failed provider RPCs")

	m.DispatcherDuration = histogram("dispatcher_duration_seconds", "Event delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	if err != nil {
		return err
	}

	m.JobsActive, err = m.meter.Int64UpDownCounter("compute_jobs_active",
		metric.WithDescription("Jobs in a non-terminal state (saturation)"))
	if err != nil {
		return err
	}
	m.DispatcherQueueSize, err = m.meter.Int64Gauge("dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"))
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobStarted records a job accepted for a provider.
func (m *Metrics) RecordJobStarted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(providerAttr(provider))
	m.JobsStarted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordTransition records an accepted state change. Terminal transitions
// leave the active set.
func (m *Metrics) RecordTransition(ctx context.Context, provider, from, to string, terminal bool) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(providerAttr(provider), fromAttr(from), toAttr(to)))
	if terminal {
		m.JobsActive.Add(ctx, -1, metric.WithAttributes(providerAttr(provider)))
	}
}

// RecordSettlement records the outcome of a terminal settlement.
func (m *Metrics) RecordSettlement(ctx context.Context, provider, outcome string, amount int64, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(providerAttr(provider), outcomeAttr(outcome))
	m.Settlements.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(providerAttr(provider)))
	if amount > 0 {
		m.SettledAmount.Add(ctx, amount, metric.WithAttributes(providerAttr(provider)))
	}
}

// RecordCallback records an inbound provider callback.
func (m *Metrics) RecordCallback(ctx context.Context, endpoint, result string) {
	if m == nil {
		return
	}
	m.Callbacks.Add(ctx, 1, metric.WithAttributes(endpointAttr(endpoint), outcomeAttr(result)))
}

// RecordStuckCancellation records a cancellation that outlived the cancel timeout.
func (m *Metrics) RecordStuckCancellation(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.StuckCancellations.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordJobLost records a job a provider no longer knows about.
func (m *Metrics) RecordJobLost(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.JobsLost.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordProviderCall records the latency and result of an outbound provider RPC.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(providerAttr(provider), opAttr(op), successAttr(success))
	m.ProviderCallDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.ProviderCallErrors.Add(ctx, 1, attrs)
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
