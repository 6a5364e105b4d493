package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/pkg/backoff"
	"computeplane/pkg/circuitbreaker"
)

// HTTPGateway talks to the ledger service over JSON. Every call carries the
// idempotency key as a header so the ledger can deduplicate retries.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	retry   backoff.Config
	logger  *slog.Logger
}

// NewHTTP creates a gateway for the ledger at baseURL.
func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retry:   backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2},
		logger:  slog.With("component", "accounting"),
	}
}

type chargeResponse struct {
	Result Result `json:"result"`
}

type fundsResponse struct {
	HasFunds bool `json:"hasFunds"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	var out chargeResponse
	status, err := g.do(ctx, http.MethodPost, "/v1/charges", req.Key, req, &out)
	if status == http.StatusPaymentRequired {
		return InsufficientFunds, nil
	}
	if err != nil {
		return "", err
	}
	if out.Result == "" {
		out.Result = Accepted
	}
	return out.Result, nil
}

func (g *HTTPGateway) Release(ctx context.Context, req ReleaseRequest) error {
	_, err := g.do(ctx, http.MethodPost, "/v1/releases", req.Key, req, nil)
	return err
}

func (g *HTTPGateway) CheckFunds(ctx context.Context, allocationRef string, owner job.Owner) (bool, error) {
	q := url.Values{"owner": {owner.Key()}}
	var out fundsResponse
	path := "/v1/allocations/" + url.PathEscape(allocationRef) + "/funds?" + q.Encode()
	if _, err := g.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return false, err
	}
	return out.HasFunds, nil
}

// Ready implements health.ReadinessChecker.
func (g *HTTPGateway) Ready(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
	return err
}

// do performs the request with retries on transport errors and 5xx. It returns
// the final HTTP status so callers can interpret business statuses like 402.
func (g *HTTPGateway) do(ctx context.Context, method, path, key string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, apperrors.Internal("accounting.encode", err)
		}
	}

	var status int
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		err := backoff.Retry(ctx, 4, &g.retry, isRetryable, func(ctx context.Context) error {
			var err error
			status, err = g.roundTrip(ctx, method, path, key, body, out)
			return err
		})
		// A refusal is a healthy ledger answering.
		if status == http.StatusPaymentRequired {
			return nil
		}
		return err
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return 0, apperrors.Unavailable("accounting", err)
	case err != nil:
		g.logger.WarnContext(ctx, "Accounting request failed", "method", method, "path", path, "status", status, "error", err)
		return status, err
	}
	return status, nil
}

func (g *HTTPGateway) roundTrip(ctx context.Context, method, path, key string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, apperrors.Internal("accounting.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, apperrors.Unavailable("accounting", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return resp.StatusCode, errPaymentRequired
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, apperrors.FromStatus(resp.StatusCode, fmt.Sprintf("accounting: %s", bytes.TrimSpace(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, apperrors.Internal("accounting.decode", err)
		}
	}
	return resp.StatusCode, nil
}

var errPaymentRequired = errors.New("insufficient funds")

func isRetryable(err error) bool {
	if errors.Is(err, errPaymentRequired) {
		return false
	}
	return errors.Is(err, apperrors.ErrUnavailable) || errors.Is(err, apperrors.ErrInternal)
}

var _ Gateway = (*HTTPGateway)(nil)
