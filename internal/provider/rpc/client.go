package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/internal/provider"
	"computeplane/pkg/backoff"
	"computeplane/pkg/circuitbreaker"
)

// CallRecorder observes outbound plugin calls.
type CallRecorder interface {
	RecordProviderCall(ctx context.Context, providerID, op string, success bool, durationSeconds float64)
}

// Config configures a Client.
type Config struct {
	ProviderID string
	Endpoint   string
	Token      string
	Timeout    time.Duration // per call, excluding log follows and uploads
	RateLimit  float64       // calls per second; 0 disables limiting
	Breaker    circuitbreaker.Config
	Metrics    CallRecorder
}

// Client reaches one provider over HTTP. It implements provider.Connector.
type Client struct {
	id       string
	baseURL  string
	token    string
	calls    *http.Client
	streams  *http.Client
	limiter  *rate.Limiter
	breaker  *circuitbreaker.Breaker
	retry    backoff.Config
	attempts int
	metrics  CallRecorder
	logger   *slog.Logger
}

// NewClient creates a client for the provider described by cfg.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	cfg.Breaker.Tolerated = answered
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}
	return &Client{
		id:       cfg.ProviderID,
		baseURL:  strings.TrimRight(cfg.Endpoint, "/") + "/ucloud/" + cfg.ProviderID,
		token:    cfg.Token,
		calls:    &http.Client{Timeout: cfg.Timeout},
		streams:  &http.Client{},
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  circuitbreaker.New(cfg.Breaker),
		retry:    backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2},
		attempts: 3,
		metrics:  cfg.recorder(),
		logger:   slog.With("component", "provider-client", "provider", cfg.ProviderID),
	}
}

// Describe fetches the provider's support manifest.
func (c *Client) Describe(ctx context.Context) (provider.Manifest, error) {
	var m provider.Manifest
	err := c.call(ctx, "describe", http.MethodGet, pathManifest, nil, &m, true)
	return m, err
}

// Plugins returns remote stubs for the capabilities m declares.
func (c *Client) Plugins(m provider.Manifest) provider.Plugins {
	p := provider.Plugins{Products: provider.StaticProducts(m.Products)}
	if m.Compute != nil {
		p.Compute = &remoteCompute{c: c, support: *m.Compute}
	}
	if m.Collections != nil {
		p.Collections = &remoteCollections{c: c, support: *m.Collections}
	}
	if m.Files {
		p.Files = &remoteFiles{c: c}
	}
	if m.Allocations {
		p.Allocations = &remoteAllocations{c: c}
	}
	if m.IdentityMapping {
		p.Identity = &remoteIdentity{c: c}
	}
	if m.Connection {
		p.Connection = &remoteConnection{c: c}
	}
	return p
}

// BreakerState exposes the circuit state for diagnostics.
func (c *Client) BreakerState() circuitbreaker.State { return c.breaker.State() }

// call performs one JSON round trip. Idempotent calls are retried on transport
// failures and 5xx answers. A 4xx answer is a healthy provider saying no and
// never trips the breaker.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return apperrors.Internal("provider.encode", err)
		}
	}

	attempts := 1
	if idempotent {
		attempts = c.attempts
	}

	start := time.Now()
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return backoff.Retry(ctx, attempts, &c.retry, isRetryable, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			return c.roundTrip(ctx, method, path, body, out)
		})
	})
	reached := err == nil || answered(err)
	c.metrics.RecordProviderCall(ctx, c.id, op, reached, time.Since(start).Seconds())

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.Unavailable("provider "+c.id, err)
	case !reached:
		c.logger.WarnContext(ctx, "Provider call failed", "op", op, "error", err)
	}
	return err
}

// answered reports errors the provider itself returned for a bad request.
// They show the provider is reachable.
func answered(err error) bool {
	pe, ok := provider.AsError(err)
	return ok && pe.Status < 500
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Internal("provider.request", err)
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.calls.Do(req)
	if err != nil {
		return apperrors.Unavailable("provider "+c.id, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Internal("provider.decode", err)
		}
	}
	return nil
}

// follow opens the NDJSON log stream and emits each line until the stream
// ends or ctx is cancelled. Cancelling ctx closes the connection.
func (c *Client) follow(ctx context.Context, j *job.Job, emit provider.EmitFunc) error {
	body, err := json.Marshal(jobRequest{Job: j})
	if err != nil {
		return apperrors.Internal("provider.encode", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathJobsFollow, bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal("provider.request", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	if !c.breaker.Allow() {
		return apperrors.Unavailable("provider "+c.id, circuitbreaker.ErrOpen)
	}
	resp, err := c.streams.Do(req)
	if err != nil {
		c.breaker.Record(ctx, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Unavailable("provider "+c.id, err)
	}
	defer resp.Body.Close()
	err = checkResponse(resp)
	c.breaker.Record(ctx, err)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var frame followFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return apperrors.Internal("provider.decode", err)
		}
		if frame.Error != nil {
			return frame.Error
		}
		if frame.Line != nil {
			if err := emit(*frame.Line); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

// upload streams req.Body with a fixed Content-Length.
func (c *Client) upload(ctx context.Context, w provider.WriteRequest) error {
	collection, err := encodeHeader(w.Collection)
	if err != nil {
		return apperrors.Internal("provider.encode", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathFilesUpload, w.Body)
	if err != nil {
		return apperrors.Internal("provider.request", err)
	}
	req.ContentLength = w.Size
	if w.Size == 0 {
		// Sends an explicit "Content-Length: 0" instead of a chunked body.
		req.Body = http.NoBody
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerUploadCollection, collection)
	req.Header.Set(headerUploadPath, w.Path)
	req.Header.Set(headerUploadExtract, strconv.FormatBool(w.Extract))
	if w.As != nil {
		as, err := encodeHeader(w.As)
		if err != nil {
			return apperrors.Internal("provider.encode", err)
		}
		req.Header.Set(headerUploadAs, as)
	}

	if !c.breaker.Allow() {
		return apperrors.Unavailable("provider "+c.id, circuitbreaker.ErrOpen)
	}
	start := time.Now()
	resp, err := c.streams.Do(req)
	if err != nil {
		c.breaker.Record(ctx, err)
		c.metrics.RecordProviderCall(ctx, c.id, "files.write", false, time.Since(start).Seconds())
		return apperrors.Unavailable("provider "+c.id, err)
	}
	defer resp.Body.Close()
	err = checkResponse(resp)
	c.breaker.Record(ctx, err)
	c.metrics.RecordProviderCall(ctx, c.id, "files.write", err == nil || answered(err), time.Since(start).Seconds())
	return err
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// checkResponse turns a non-2xx answer into a typed plugin error.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	pe := &provider.Error{}
	if err := json.Unmarshal(data, pe); err != nil || pe.Reason == "" {
		pe.Reason = strings.TrimSpace(string(data))
		if pe.Reason == "" {
			pe.Reason = http.StatusText(resp.StatusCode)
		}
	}
	pe.Status = resp.StatusCode
	return pe
}

func isRetryable(err error) bool {
	if pe, ok := provider.AsError(err); ok {
		return pe.Status >= 500
	}
	return errors.Is(err, apperrors.ErrUnavailable)
}

type nopRecorder struct{}

func (nopRecorder) RecordProviderCall(context.Context, string, string, bool, float64) {}

func (cfg Config) recorder() CallRecorder {
	if cfg.Metrics == nil {
		return nopRecorder{}
	}
	return cfg.Metrics
}

var _ provider.Connector = (*Client)(nil)
