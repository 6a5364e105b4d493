package job

import (
	"computeplane/pkg/cloudevent"
	"slices"

	"github.com/google/uuid"
)

// Event types for job lifecycle notifications
const (
	EventTypeState           = "compute.job.state"
	EventTypeSettled         = "compute.job.settled"
	EventTypeCancellingStuck = "compute.job.cancellation_stuck"
)

// EventSource is the CloudEvents source attribute of every job event.
const EventSource = "computeplane/orchestrator"

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	job *Job
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(j *Job) *EventBuilder {
	return &EventBuilder{job: j}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["jobId"] = b.job.ID
	data["owner"] = b.job.Owner
	data["provider"] = b.job.Specification.Provider
	return cloudevent.New(eventType, EventSource, b.job.ID, uuid.NewString(), data)
}

// BuildStateEvent reports an accepted transition.
func (b *EventBuilder) BuildStateEvent(from State) *cloudevent.CloudEvent {
	return b.Build(EventTypeState, map[string]any{
		"from":   from,
		"to":     b.job.State,
		"status": b.job.Status,
	})
}

// BuildSettledEvent reports the accounting outcome of a terminal job.
func (b *EventBuilder) BuildSettledEvent() *cloudevent.CloudEvent {
	data := map[string]any{"state": b.job.State}
	if s := b.job.Settlement; s != nil {
		data["outcome"] = s.Outcome
		data["amount"] = s.Amount
		data["durationMs"] = s.Duration.Milliseconds()
		data["providerReported"] = s.ProviderReported
	}
	return b.Build(EventTypeSettled, data)
}

// BuildStuckEvent reports a cancellation the provider has not confirmed in time.
func (b *EventBuilder) BuildStuckEvent() *cloudevent.CloudEvent {
	data := map[string]any{}
	if b.job.CancelRequestedAt != nil {
		data["cancelRequestedAt"] = *b.job.CancelRequestedAt
	}
	return b.Build(EventTypeCancellingStuck, data)
}
