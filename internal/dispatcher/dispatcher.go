// Package dispatcher delivers job lifecycle events asynchronously.
package dispatcher

import (
	"context"
	"errors"

	"computeplane/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events. Dispatch must never block the
// orchestrator's transition path.
type Dispatcher interface {
	// Dispatch queues an event for async delivery.
	Dispatch(event *cloudevent.CloudEvent) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close attempts to deliver queued events until ctx is done.
	Close(ctx context.Context) error
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64
	Dropped       int64
	Requeued      int64
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Noop discards every event. Used when no events backend is configured.
type Noop struct{}

func (Noop) Dispatch(*cloudevent.CloudEvent) error { return nil }
func (Noop) Stats() Stats                          { return Stats{} }
func (Noop) Close(context.Context) error           { return nil }

var _ Dispatcher = Noop{}
