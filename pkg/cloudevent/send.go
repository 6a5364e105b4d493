package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Signature headers. The signature covers "<timestamp>.<body>" so a captured
// delivery cannot be replayed with a fresh timestamp.
const (
	SignatureHeader = "X-Signature-256"
	TimestampHeader = "X-Signature-Timestamp"
)

// Sender posts CloudEvents in structured content mode.
type Sender struct {
	client *http.Client
	now    func() time.Time
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Sender{
		client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)},
		now:    time.Now,
	}
}

// SendOptions controls how a CloudEvent is sent.
type SendOptions struct {
	SigningKey string // HMAC key; empty sends unsigned
}

// Send delivers event to url. Non-2xx answers come back as *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := event.Marshal()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	h := req.Header
	h.Set("Content-Type", ContentType)
	for name, v := range event.Attributes() {
		h.Set("Ce-"+name, v)
	}
	if opts.SigningKey != "" {
		ts := s.now().Unix()
		h.Set(TimestampHeader, strconv.FormatInt(ts, 10))
		h.Set(SignatureHeader, Sign(body, opts.SigningKey, ts))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(snippet)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

// Sign computes the "sha256=<hex>" HMAC of "<timestamp>.<payload>".
func Sign(payload []byte, key string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and timestamp headers of a delivery in
// constant time. A timestamp further than tolerance from now is refused.
func Verify(payload []byte, key, signature, timestamp string, now time.Time, tolerance time.Duration) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, key, ts)), []byte(signature))
}

// HTTPError is a non-2xx delivery answer.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // zero when the receiver gave no hint
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a failed delivery is worth another attempt.
// Client errors are final except request timeouts and rate limiting.
func Retryable(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return err != nil
	}
	switch {
	case he.StatusCode == http.StatusRequestTimeout, he.StatusCode == http.StatusTooManyRequests:
		return true
	case he.StatusCode >= 400 && he.StatusCode < 500:
		return false
	}
	return true
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryDelay exposes Retry-After to backoff.Retry.
func (e *HTTPError) RetryDelay() time.Duration { return e.RetryAfter }
