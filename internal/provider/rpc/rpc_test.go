package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
	"computeplane/internal/provider"
	"computeplane/internal/testutil"
	"computeplane/pkg/backoff"
	"computeplane/pkg/circuitbreaker"
)

type harness struct {
	compute *testutil.FakeCompute
	storage *testutil.FakeStorage
	client  *Client
	plugins provider.Plugins
	server  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		compute: &testutil.FakeCompute{
			Support: provider.ComputeSupport{Backends: []string{"DOCKER"}, Logs: true},
			Logs: []provider.LogLine{
				{Stream: provider.StreamStdout, Text: "hello"},
				{Stream: provider.StreamStderr, Text: "warning"},
			},
		},
		storage: testutil.NewFakeStorage(),
	}
	srv := NewServer("docker", "secret", provider.Plugins{
		Products:    provider.StaticProducts{{ID: "small", PricePerMinute: 1, MaxNodes: 2}},
		Compute:     h.compute,
		Collections: h.storage,
		Files:       h.storage,
		Identity:    testutil.FakeIdentity{"alice": {Name: "alice", UID: 1000, GID: 1000}},
	})
	h.server = httptest.NewServer(srv.Handler())
	t.Cleanup(h.server.Close)

	h.client = NewClient(Config{ProviderID: "docker", Endpoint: h.server.URL, Token: "secret", Timeout: 5 * time.Second})
	h.client.retry = backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond}

	m, err := h.client.Describe(context.Background())
	require.NoError(t, err)
	h.plugins = h.client.Plugins(m)
	return h
}

func TestClient_DescribeBuildsPlugins(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	m, err := h.client.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "docker", m.Provider)
	require.NotNil(t, m.Compute)
	assert.True(t, m.Compute.Logs)
	assert.True(t, m.Files)
	assert.True(t, m.IdentityMapping)
	assert.False(t, m.Allocations)

	assert.NotNil(t, h.plugins.Compute)
	assert.NotNil(t, h.plugins.Collections)
	assert.NotNil(t, h.plugins.Identity)
	assert.Nil(t, h.plugins.Allocations)
	assert.Nil(t, h.plugins.Connection)
}

func TestClient_CreateCarriesAccessToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	j := &job.Job{ID: "job-1", AccessToken: "tok", Specification: job.Specification{Provider: "docker"}}
	require.NoError(t, h.plugins.Compute.Create(context.Background(), j))

	created := h.compute.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "job-1", created[0].ID)
	assert.Equal(t, "tok", created[0].AccessToken)
}

func TestClient_TypedErrorsAreRelayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	err := h.plugins.Collections.Delete(ctx, &job.Collection{ID: "missing"})
	pe, ok := provider.AsError(err)
	require.True(t, ok, "expected typed error, got %v", err)
	assert.Equal(t, http.StatusNotFound, pe.Status)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = h.plugins.Compute.OpenInteractiveSession(ctx, &job.Job{ID: "x"}, provider.SessionWeb)
	pe, ok = provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.ReasonInteractiveNotSupported, pe.Reason)

	err = h.plugins.Compute.Extend(ctx, &job.Job{ID: "x"}, time.Minute)
	assert.True(t, provider.IsNotSupported(err))

	// Answers from a healthy provider never open the circuit.
	for range 10 {
		_ = h.plugins.Collections.Delete(ctx, &job.Collection{ID: "missing"})
	}
	assert.Equal(t, circuitbreaker.Closed, h.client.BreakerState())
}

func TestClient_Verify(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.compute.Lost = []string{"b"}

	lost, err := h.plugins.Compute.Verify(context.Background(), []*job.Job{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, lost)
}

func TestClient_FollowLogsStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines := make(chan provider.LogLine, 10)
	done := make(chan error, 1)
	go func() {
		done <- h.plugins.Compute.FollowLogs(ctx, &job.Job{ID: "job-1"}, func(l provider.LogLine) error {
			lines <- l
			return nil
		})
	}()

	for _, want := range []string{"hello", "warning"} {
		select {
		case got := <-lines:
			assert.Equal(t, want, got.Text)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop after cancel")
	}
}

func TestClient_Upload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	col := &job.Collection{ID: "col-1", Provider: "docker"}
	require.NoError(t, h.plugins.Collections.Create(ctx, col))

	err := h.plugins.Files.Write(ctx, provider.WriteRequest{
		Collection: col,
		Path:       "job-1/out.txt",
		Size:       5,
		Body:       strings.NewReader("hello"),
		As:         &provider.LocalIdentity{Name: "alice", UID: 1000, GID: 1000},
	})
	require.NoError(t, err)

	data, ok := h.storage.File("col-1", "job-1/out.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	writers := h.storage.Writers()
	require.Len(t, writers, 1)
	assert.Equal(t, 1000, writers[0].UID)
}

func TestServer_UploadRequiresLength(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	body := io.MultiReader(strings.NewReader("data"))
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/ucloud/docker"+pathFilesUpload, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusLengthRequired, resp.StatusCode)

	// Neither a length nor a transfer encoding: the server sees an empty
	// body, which must not pass for a declared zero-byte file.
	conn, err := net.Dial("tcp", h.server.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "POST /ucloud/docker%s HTTP/1.1\r\nHost: provider\r\nAuthorization: Bearer secret\r\nConnection: close\r\n\r\n", pathFilesUpload)
	require.NoError(t, err)
	raw, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusLengthRequired, raw.StatusCode)
}

func TestClient_UploadEmptyFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	col := &job.Collection{ID: "col-1", Provider: "docker"}
	require.NoError(t, h.plugins.Collections.Create(ctx, col))

	err := h.plugins.Files.Write(ctx, provider.WriteRequest{
		Collection: col,
		Path:       "job-1/empty.txt",
		Body:       strings.NewReader(""),
	})
	require.NoError(t, err)

	data, ok := h.storage.File("col-1", "job-1/empty.txt")
	require.True(t, ok)
	assert.Empty(t, data)
}

func TestServer_RejectsBadToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	bad := NewClient(Config{ProviderID: "docker", Endpoint: h.server.URL, Token: "wrong"})
	_, err := bad.Describe(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized), "got %v", err)

	other := NewClient(Config{ProviderID: "slurm", Endpoint: h.server.URL, Token: "secret"})
	_, err = other.Describe(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

func TestClient_RetriesIdempotentCalls(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, provider.Manifest{Provider: "flaky"})
	}))
	defer srv.Close()

	c := NewClient(Config{ProviderID: "flaky", Endpoint: srv.URL})
	c.retry = backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}

	m, err := c.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "flaky", m.Provider)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryCreate(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, &provider.Error{Status: http.StatusBadGateway, Reason: "scheduler down"})
	}))
	defer srv.Close()

	c := NewClient(Config{ProviderID: "p", Endpoint: srv.URL})
	c.retry = backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}
	compute := c.Plugins(provider.Manifest{Compute: &provider.ComputeSupport{}}).Compute

	err := compute.Create(context.Background(), &job.Job{ID: "j"})
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpens(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{
		ProviderID: "p",
		Endpoint:   srv.URL,
		Breaker:    circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour},
	})
	c.attempts = 1

	for range 2 {
		_, err := c.Describe(context.Background())
		require.Error(t, err)
	}
	_, err := c.Describe(context.Background())
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen), "got %v", err)
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))
}
