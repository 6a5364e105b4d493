package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"computeplane/pkg/backoff"
	"computeplane/pkg/circuitbreaker"
	"computeplane/pkg/cloudevent"
)

// deliverFunc performs one delivery attempt. target keys the circuit breaker.
type deliverFunc func(ctx context.Context, event *cloudevent.CloudEvent) error

type envelope struct {
	event    *cloudevent.CloudEvent
	requeues int
}

// queue is the bounded worker pool shared by the webhook and AMQP dispatchers.
// Events are dropped (logged and counted) when the buffer is full.
type queue struct {
	items     chan *envelope
	deliver   deliverFunc
	retryable func(error) bool
	target    string
	breakers  *circuitbreaker.Registry
	config    Config
	logger    *slog.Logger
	metrics   MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

func newQueue(cfg Config, target string, deliver deliverFunc, retryable func(error) bool, metrics MetricsRecorder, logger *slog.Logger) *queue {
	cfg = cfg.withDefaults()
	q := &queue{
		items:     make(chan *envelope, cfg.BufferSize),
		deliver:   deliver,
		retryable: retryable,
		target:    target,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.Cooldown,
		}, func(key string, from, to circuitbreaker.State) {
			logger.Warn("Delivery circuit changed state", "target", key, "from", from.String(), "to", to.String())
		}),
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	q.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go q.worker()
	}
	if metrics != nil {
		go q.reportQueueSize()
	}

	logger.Info("Dispatcher started", "target", target, "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return q
}

func (q *queue) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.shutdown:
			return
		case <-ticker.C:
			q.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(q.items)))
		}
	}
}

func (q *queue) Dispatch(event *cloudevent.CloudEvent) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := event.Validate(); err != nil {
		return err
	}

	select {
	case q.items <- &envelope{event: event}:
		q.queued.Add(1)
		return nil
	default:
		q.drop("Event dropped, buffer full", event)
		return ErrBufferFull
	}
}

func (q *queue) Stats() Stats {
	breakerStats := q.breakers.Stats()
	return Stats{
		QueueDepth:    len(q.items),
		Queued:        q.queued.Load(),
		Delivered:     q.delivered.Load(),
		Failed:        q.failed.Load(),
		Dropped:       q.dropped.Load(),
		Requeued:      q.requeued.Load(),
		RetriesTotal:  q.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

func (q *queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}
	q.logger.Info("Dispatcher shutting down", "queued", len(q.items))
	close(q.shutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Dispatcher shutdown complete",
			"delivered", q.delivered.Load(),
			"failed", q.failed.Load(),
			"dropped", q.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		q.logger.Warn("Dispatcher shutdown timed out", "remaining", len(q.items))
		return ctx.Err()
	}
}

func (q *queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.shutdown:
			q.drain()
			return
		case env := <-q.items:
			q.process(env)
		}
	}
}

func (q *queue) drain() {
	for {
		select {
		case env := <-q.items:
			q.process(env)
		default:
			return
		}
	}
}

func (q *queue) process(env *envelope) {
	breaker := q.breakers.Get(q.target)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := breaker.Do(ctx, func(ctx context.Context) error {
		attempts := 0
		return backoff.Retry(ctx, q.config.MaxAttempts, nil, q.retryable, func(ctx context.Context) error {
			if attempts++; attempts > 1 {
				q.retriesTotal.Add(1)
			}
			return q.deliver(ctx, env.event)
		})
	})
	switch {
	case err == nil:
		q.delivered.Add(1)
		if q.metrics != nil {
			q.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
	case errors.Is(err, circuitbreaker.ErrOpen):
		q.requeue(env)
	default:
		q.failed.Add(1)
		if q.metrics != nil {
			q.metrics.RecordDispatcherFailed(ctx)
		}
		q.logger.Warn("Delivery failed", "target", q.target, "type", env.event.Type, "jobId", env.event.Subject, "error", err)
	}
}

// requeue puts an event back after the breaker cooldown.
func (q *queue) requeue(env *envelope) {
	if env.requeues >= q.config.MaxRequeues {
		q.drop("Event dropped, max requeues reached", env.event)
		return
	}
	env.requeues++
	q.requeued.Add(1)
	if q.metrics != nil {
		q.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		select {
		case <-q.shutdown:
			return
		case <-time.After(q.config.Cooldown):
		}
		select {
		case q.items <- env:
			q.logger.Debug("Event requeued", "target", q.target, "type", env.event.Type, "requeues", env.requeues)
		case <-q.shutdown:
		default:
			q.drop("Event dropped on requeue, buffer full", env.event)
		}
	}()
}

func (q *queue) drop(msg string, event *cloudevent.CloudEvent) {
	q.dropped.Add(1)
	if q.metrics != nil {
		q.metrics.RecordDispatcherDropped(context.Background())
	}
	q.logger.Warn(msg, "target", q.target, "type", event.Type, "jobId", event.Subject)
}
