package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"computeplane/pkg/backoff"
)

// Config for a callback Client. Zero values use defaults.
type Config struct {
	BaseURL    string
	ProviderID string
	Secret     string
	Timeout    time.Duration  // per request, default 30s; submissions are not bounded
	Attempts   int            // default 5
	Retry      backoff.Config // default 200ms..10s with 20% jitter
	TTL        time.Duration  // credential lifetime, default DefaultCredentialTTL
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Retry.Initial <= 0 {
		c.Retry.Initial = 200 * time.Millisecond
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = 10 * time.Second
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.2
	}
	if c.TTL <= 0 {
		c.TTL = DefaultCredentialTTL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// StatusError is a non-2xx answer from the orchestrator.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback: %d %s", e.Code, e.Message)
}

// Client reports job progress to the orchestrator with a service credential.
// Every call is safe to repeat: the orchestrator treats duplicates as no-ops.
type Client struct {
	cfg     Config
	calls   *http.Client
	uploads *http.Client
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("callback: base URL is required")
	}
	if cfg.ProviderID == "" || cfg.Secret == "" {
		return nil, errors.New("callback: provider id and secret are required")
	}
	return &Client{
		cfg:     cfg,
		calls:   &http.Client{Timeout: cfg.Timeout},
		uploads: &http.Client{},
		now:     time.Now,
	}, nil
}

// Status posts a human-readable progress message.
func (c *Client) Status(ctx context.Context, jobID, status string) error {
	return c.postJSON(ctx, PathStatus, StatusRequest{JobID: jobID, Status: status}, nil)
}

// StateChange proposes the next state of a job.
func (c *Client) StateChange(ctx context.Context, jobID, state, status string) error {
	return c.postJSON(ctx, PathStateChange, StateChangeRequest{JobID: jobID, NewState: state, NewStatus: status}, nil)
}

// Completed reports the authoritative end of a job.
func (c *Client) Completed(ctx context.Context, jobID string, duration time.Duration, success bool) error {
	return c.postJSON(ctx, PathCompleted, CompletedRequest{
		JobID:    jobID,
		Duration: duration.Milliseconds(),
		Success:  success,
	}, nil)
}

// Lookup fetches what the orchestrator knows about a job. The orchestrator
// answers lookups for the job's own access token only, so the service
// credential is not sent.
func (c *Client) Lookup(ctx context.Context, jobID, jobToken string) (*LookupResponse, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+jobToken)
	var out LookupResponse
	err := c.retry(ctx, c.cfg.Attempts, func(ctx context.Context) error {
		return c.do(ctx, c.calls, http.MethodGet, PathLookup+jobID, nil, -1, header, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit streams size bytes of body into the job's output collection. When
// extract is set the body is a tar or tar.gz archive unpacked under path.
// The upload is only retried when body can be rewound.
func (c *Client) Submit(ctx context.Context, jobID, path string, extract bool, size int64, body io.Reader) error {
	header := http.Header{}
	header.Set(HeaderSubmitID, jobID)
	header.Set(HeaderSubmitPath, path)
	header.Set(HeaderSubmitExtraction, strconv.FormatBool(extract))
	header.Set("Content-Type", "application/octet-stream")

	seeker, rewindable := body.(io.Seeker)
	attempts := 1
	if rewindable {
		attempts = c.cfg.Attempts
	}
	first := true
	return c.retry(ctx, attempts, func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		first = false
		return c.do(ctx, c.uploads, http.MethodPost, PathSubmit, io.LimitReader(body, size), size, header, nil)
	})
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("callback: encode request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return c.retry(ctx, c.cfg.Attempts, func(ctx context.Context) error {
		return c.do(ctx, c.calls, http.MethodPost, path, bytes.NewReader(payload), int64(len(payload)), header, out)
	})
}

func (c *Client) retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	return backoff.Retry(ctx, attempts, &c.cfg.Retry, isRetryable, fn)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body io.Reader, size int64, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("callback: build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get("Authorization") == "" {
		token, err := c.credential()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if size >= 0 {
		req.ContentLength = size
		if size == 0 {
			req.Body = http.NoBody
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("callback: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("callback: decode response: %w", err)
	}
	return nil
}

// credential returns a cached credential, re-signing once most of its
// lifetime has passed.
func (c *Client) credential() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.token != "" && now.Before(c.expires.Add(-c.cfg.TTL/5)) {
		return c.token, nil
	}
	token, err := Sign(c.cfg.ProviderID, c.cfg.Secret, now, c.cfg.TTL)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expires = now.Add(c.cfg.TTL)
	return token, nil
}

// isRetryable retries transport failures and 5xx answers. A 4xx is final.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}
