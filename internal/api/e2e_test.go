package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"computeplane/internal/accounting"
	"computeplane/internal/catalog"
	"computeplane/internal/config"
	"computeplane/internal/health"
	"computeplane/internal/ingress"
	"computeplane/internal/job"
	"computeplane/internal/logbuffer"
	"computeplane/internal/orchestrator"
	"computeplane/internal/provider"
	"computeplane/internal/store"
	"computeplane/internal/testutil"
	"computeplane/pkg/callback"
)

const (
	e2eAPIKey = "user-api-key"
	e2eSecret = "hippo-callback-secret"
)

type e2e struct {
	server  *httptest.Server
	store   *store.Memory
	acct    *accounting.Memory
	storage *testutil.FakeStorage
	hippo   *callback.Client
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	ctx := context.Background()

	storage := testutil.NewFakeStorage()
	compute := &testutil.FakeCompute{
		Support: provider.ComputeSupport{Backends: []string{"DOCKER"}, Logs: true},
		Logs:    []provider.LogLine{{Stream: provider.StreamStdout, Text: "|_| |_|"}},
	}
	registry := provider.NewRegistry()
	registry.Register("hippo", provider.Local{ID: "hippo", Set: provider.Plugins{
		Products:    provider.StaticProducts{{ID: "standard", PricePerMinute: 7, MaxNodes: 1, MaxTime: time.Hour}},
		Compute:     compute,
		Collections: storage,
		Files:       storage,
	}})
	if err := registry.Discover(ctx); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	apps, err := catalog.NewStatic(catalog.Application{
		Name:        "figlet",
		Version:     "1.0",
		Tool:        job.Tool{Backend: "DOCKER", Image: "figlet:1.0"},
		Invocation:  []string{"figlet", "{{text}}"},
		Parameters:  []catalog.Parameter{{Name: "text", Required: true}},
		OutputGlobs: []string{"*.txt"},
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	env := &e2e{store: store.NewMemory(), acct: accounting.NewMemory(), storage: storage}
	env.acct.Deposit("alloc-1", 1000)
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      env.store,
		Registry:   registry,
		Catalog:    apps,
		Accounting: env.acct,
		Logs:       logbuffer.NewMemory(),
	}, orchestrator.Config{})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	t.Cleanup(orch.Close)

	auth := ingress.NewAuthenticator([]config.ProviderEntry{{ID: "hippo", CallbackSecret: e2eSecret}}, env.store)
	env.server = httptest.NewServer(NewRouter(RouterConfig{
		Jobs:          orch,
		Callbacks:     ingress.NewService(auth, orch, nil),
		HealthChecker: health.NewChecker(),
		APIKey:        e2eAPIKey,
	}))
	t.Cleanup(env.server.Close)

	env.hippo, err = callback.NewClient(callback.Config{BaseURL: env.server.URL, ProviderID: "hippo", Secret: e2eSecret, Attempts: 1})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return env
}

// user sends a request to the user API as alice.
func (e *e2e) user(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	req.Header.Set(HeaderUsername, "alice")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestE2E_Figlet(t *testing.T) {
	t.Parallel()
	env := newE2E(t)
	ctx := context.Background()

	var started job.Job
	code := env.user(t, http.MethodPost, "/v1/jobs", orchestrator.StartRequest{
		Application:   job.Application{Name: "figlet", Version: "1.0"},
		Parameters:    map[string]string{"text": "hi"},
		Provider:      "hippo",
		Product:       "standard",
		AllocationRef: "alloc-1",
	}, &started)
	if code != http.StatusAccepted || started.State != job.StateValidated {
		t.Fatalf("start = %d %s", code, started.State)
	}

	if err := env.hippo.StateChange(ctx, started.ID, "RUNNING", "Container started"); err != nil {
		t.Fatalf("StateChange: %v", err)
	}
	if err := env.hippo.Status(ctx, started.ID, "50%"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	banner := []byte(" _     _ \n| |__ (_)\n")
	if err := env.hippo.Submit(ctx, started.ID, "banner.txt", false, int64(len(banner)), bytes.NewReader(banner)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var follow orchestrator.FollowResult
	testutil.MustWaitFor(t, func() bool {
		env.user(t, http.MethodGet, "/v1/jobs/"+started.ID+"/follow", nil, &follow)
		return len(follow.Stdout) == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(20*time.Millisecond))
	if follow.Status != "50%" || follow.State != job.StateRunning {
		t.Errorf("follow = %+v", follow)
	}
	var skipped orchestrator.FollowResult
	env.user(t, http.MethodGet, "/v1/jobs/"+started.ID+"/follow?stdoutMax=0", nil, &skipped)
	if len(skipped.Stdout) != 0 || skipped.NextStdout != 0 {
		t.Errorf("follow with stdoutMax=0 = %+v", skipped)
	}

	if err := env.hippo.Completed(ctx, started.ID, 5*time.Second, true); err != nil {
		t.Fatalf("Completed: %v", err)
	}
	if err := env.hippo.Completed(ctx, started.ID, 5*time.Second, true); err != nil {
		t.Fatalf("repeated Completed: %v", err)
	}

	var done job.Job
	if code := env.user(t, http.MethodGet, "/v1/jobs/"+started.ID, nil, &done); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if done.State != job.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", done.State)
	}
	if charges := env.acct.Charges(); len(charges) != 1 || charges[0].Amount != 7 {
		t.Errorf("charges = %+v, want one minute at 7", charges)
	}
	if data, ok := env.storage.File(started.ArchiveInCollection, started.ID+"/banner.txt"); !ok || !bytes.Equal(data, banner) {
		t.Errorf("banner = %q %v", data, ok)
	}
}

func TestE2E_CallbackErrors(t *testing.T) {
	t.Parallel()
	env := newE2E(t)
	ctx := context.Background()

	var started job.Job
	env.user(t, http.MethodPost, "/v1/jobs", orchestrator.StartRequest{
		Application:   job.Application{Name: "figlet", Version: "1.0"},
		Parameters:    map[string]string{"text": "hi"},
		Provider:      "hippo",
		Product:       "standard",
		AllocationRef: "alloc-1",
	}, &started)
	stored, err := env.store.GetJob(ctx, started.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	// A streamed body has no Content-Length.
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+callback.PathSubmit, io.MultiReader(strings.NewReader("data")))
	req.Header.Set("Authorization", "Bearer "+stored.AccessToken)
	req.Header.Set(callback.HeaderSubmitID, started.ID)
	req.Header.Set(callback.HeaderSubmitPath, "a.txt")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLengthRequired {
		t.Errorf("streamed submit = %d, want 411", resp.StatusCode)
	}

	err = env.hippo.StateChange(ctx, started.ID, "EXPLODED", "")
	if statusOf(err) != http.StatusBadRequest {
		t.Errorf("bad state = %v, want 400", err)
	}
	err = env.hippo.StateChange(ctx, "missing", "RUNNING", "")
	if statusOf(err) != http.StatusNotFound {
		t.Errorf("unknown job = %v, want 404", err)
	}
	if err := env.hippo.Status(ctx, "missing", "hello"); err != nil {
		t.Errorf("status for unknown job = %v, want success", err)
	}

	intruder, _ := callback.NewClient(callback.Config{BaseURL: env.server.URL, ProviderID: "hippo", Secret: "wrong", Attempts: 1})
	err = intruder.StateChange(ctx, started.ID, "RUNNING", "")
	if statusOf(err) != http.StatusUnauthorized {
		t.Errorf("forged credential = %v, want 401", err)
	}

	req, _ = http.NewRequest(http.MethodGet, env.server.URL+callback.PathLookup+started.ID, nil)
	req.Header.Set("Authorization", "Bearer "+stored.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	var lookup callback.LookupResponse
	json.NewDecoder(resp.Body).Decode(&lookup)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || lookup.JobID != started.ID || lookup.Invocation[1] != "hi" {
		t.Errorf("lookup = %d %+v", resp.StatusCode, lookup)
	}

	credential, err := callback.Sign("hippo", e2eSecret, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, env.server.URL+callback.PathLookup+started.ID, nil)
	req.Header.Set("Authorization", "Bearer "+credential)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("lookup with the provider credential = %d, want 401", resp.StatusCode)
	}
	if _, err := env.hippo.Lookup(ctx, started.ID, stored.AccessToken); err != nil {
		t.Errorf("client lookup: %v", err)
	}
}

func TestE2E_UserAPI(t *testing.T) {
	t.Parallel()
	env := newE2E(t)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/v1/jobs", nil)
	req.Header.Set(HeaderUsername, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing API key = %d", resp.StatusCode)
	}

	var c job.Collection
	if code := env.user(t, http.MethodPost, "/v1/collections", orchestrator.CreateCollectionRequest{Provider: "hippo", Title: "Data"}, &c); code != http.StatusCreated {
		t.Fatalf("create collection = %d", code)
	}
	var files struct {
		Files []provider.FileEntry `json:"files"`
	}
	if code := env.user(t, http.MethodGet, "/v1/collections/"+c.ID+"/files", nil, &files); code != http.StatusOK {
		t.Errorf("browse = %d", code)
	}
	if code := env.user(t, http.MethodDelete, "/v1/collections/"+c.ID, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete collection = %d", code)
	}
	if code := env.user(t, http.MethodGet, "/v1/jobs/missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown job = %d", code)
	}
	if code := env.user(t, http.MethodGet, "/v1/jobs?limit=x", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", code)
	}

	var deposits struct {
		Modes []job.AllocationMode `json:"modes"`
	}
	code := env.user(t, http.MethodPost, "/v1/providers/hippo/deposits", map[string]any{
		"notifications": []job.DepositNotification{{AllocationID: "alloc-2", Amount: 10}},
	}, &deposits)
	if code != http.StatusOK || len(deposits.Modes) != 1 || deposits.Modes[0].ManagedBy != job.ManagedByUCloud {
		t.Errorf("deposits = %d %+v", code, deposits)
	}
}

func statusOf(err error) int {
	var se *callback.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// rawSubmit writes a submit request by hand so the test controls exactly
// which framing headers go on the wire.
func rawSubmit(t *testing.T, env *e2e, token, jobID, path, framing string) int {
	t.Helper()
	conn, err := net.Dial("tcp", env.server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "POST %s HTTP/1.1\r\nHost: compute\r\nAuthorization: Bearer %s\r\n%s: %s\r\n%s: %s\r\n%sConnection: close\r\n\r\n",
		callback.PathSubmit, token, callback.HeaderSubmitID, jobID, callback.HeaderSubmitPath, path, framing)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestE2E_SubmitFraming(t *testing.T) {
	t.Parallel()
	env := newE2E(t)

	var started job.Job
	env.user(t, http.MethodPost, "/v1/jobs", orchestrator.StartRequest{
		Application:   job.Application{Name: "figlet", Version: "1.0"},
		Parameters:    map[string]string{"text": "hi"},
		Provider:      "hippo",
		Product:       "standard",
		AllocationRef: "alloc-1",
	}, &started)
	stored, err := env.store.GetJob(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		framing string
		want    int
		written bool
	}{
		{"no length header", "bare.txt", "", http.StatusLengthRequired, false},
		{"explicit zero length", "empty.txt", "Content-Length: 0\r\n", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rawSubmit(t, env, stored.AccessToken, started.ID, tt.path, tt.framing); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
			data, ok := env.storage.File(started.ArchiveInCollection, started.ID+"/"+tt.path)
			if ok != tt.written || len(data) != 0 {
				t.Errorf("stored %s = %q %v, want written=%v", tt.path, data, ok, tt.written)
			}
		})
	}
}
