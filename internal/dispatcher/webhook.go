package dispatcher

import (
	"context"
	"log/slog"
	"net/url"

	"computeplane/pkg/cloudevent"
)

// WebhookDispatcher POSTs every event to a single HTTP endpoint, signing the
// body when a key is configured.
type WebhookDispatcher struct {
	*queue
}

// NewWebhook creates a webhook dispatcher for destination.
func NewWebhook(cfg Config, destination, signingKey string, metrics MetricsRecorder) *WebhookDispatcher {
	cfg = cfg.withDefaults()
	sender := cloudevent.NewSender(cfg.HTTPTimeout)
	opts := cloudevent.SendOptions{SigningKey: signingKey}
	deliver := func(ctx context.Context, event *cloudevent.CloudEvent) error {
		return sender.Send(ctx, destination, event, opts)
	}
	retryable := cloudevent.Retryable
	logger := slog.With("component", "dispatcher", "backend", "webhook")
	return &WebhookDispatcher{queue: newQueue(cfg, extractHost(destination), deliver, retryable, metrics, logger)}
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*WebhookDispatcher)(nil)
