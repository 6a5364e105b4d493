// Package cloudevent builds CloudEvents 1.0 envelopes and delivers them over
// HTTP.
package cloudevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SpecVersion is the only CloudEvents version produced or accepted.
const SpecVersion = "1.0"

// ContentType is the media type of a structured-mode event.
const ContentType = "application/cloudevents+json"

// CloudEvent is a structured-mode CloudEvents 1.0 envelope with a JSON
// object payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data,omitempty"`
}

// New stamps an event with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the required context attributes.
func (e *CloudEvent) Validate() error {
	var errs []error
	if e.SpecVersion != SpecVersion {
		errs = append(errs, fmt.Errorf("unsupported specversion %q", e.SpecVersion))
	}
	for name, v := range map[string]string{"type": e.Type, "source": e.Source, "id": e.ID} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	return errors.Join(errs...)
}

// Attributes lists the context attributes for transports that carry them
// beside the body (HTTP Ce-* headers, AMQP application properties). Empty
// optional attributes are left out.
func (e *CloudEvent) Attributes() map[string]string {
	attrs := map[string]string{
		"specversion": e.SpecVersion,
		"type":        e.Type,
		"source":      e.Source,
		"id":          e.ID,
		"time":        e.Time.Format(time.RFC3339Nano),
	}
	if e.Subject != "" {
		attrs["subject"] = e.Subject
	}
	return attrs
}

// Marshal encodes the event in structured content mode.
func (e *CloudEvent) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return body, nil
}

// Parse decodes and validates a structured-mode event.
func Parse(body []byte) (*CloudEvent, error) {
	var e CloudEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
