package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"computeplane/internal/accounting"
	"computeplane/internal/apperrors"
	"computeplane/internal/catalog"
	"computeplane/internal/dispatcher"
	"computeplane/internal/job"
	"computeplane/internal/logbuffer"
	"computeplane/internal/provider"
	"computeplane/internal/store"
	"computeplane/internal/testutil"
	"computeplane/pkg/cloudevent"
)

const (
	testProvider   = "hippo"
	testAllocation = "alloc-1"
	testPrice      = 10
)

var alice = job.Owner{Username: "alice"}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	o       *Orchestrator
	compute *testutil.FakeCompute
	storage *testutil.FakeStorage
	store   *store.Memory
	acct    *accounting.Memory
	logs    *logbuffer.Memory
	clock   *testClock
}

type envOption func(*provider.Plugins)

func withIdentity(ids testutil.FakeIdentity) envOption {
	return func(p *provider.Plugins) { p.Identity = ids }
}

func withAllocations(a testutil.FakeAllocations) envOption {
	return func(p *provider.Plugins) { p.Allocations = a }
}

func newTestEnv(t *testing.T, compute *testutil.FakeCompute, opts ...envOption) *testEnv {
	t.Helper()
	if compute == nil {
		compute = &testutil.FakeCompute{}
	}
	if compute.Support.Backends == nil {
		compute.Support = provider.ComputeSupport{Backends: []string{"DOCKER"}, Extend: true, Suspend: true, Logs: true}
	}
	storage := testutil.NewFakeStorage()
	plugins := provider.Plugins{
		Products: provider.StaticProducts{
			{ID: "standard", Category: "cpu", PricePerMinute: testPrice, MaxNodes: 4, MaxTime: 2 * time.Hour},
		},
		Compute:     compute,
		Collections: storage,
		Files:       storage,
	}
	for _, opt := range opts {
		opt(&plugins)
	}

	registry := provider.NewRegistry()
	registry.Register(testProvider, provider.Local{ID: testProvider, Set: plugins})
	if err := registry.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	apps, err := catalog.NewStatic(catalog.Application{
		Name:        "figlet",
		Version:     "1.0",
		Tool:        job.Tool{Backend: "DOCKER", Image: "figlet:1.0"},
		Invocation:  []string{"figlet", "{{text}}"},
		Parameters:  []catalog.Parameter{{Name: "text", Required: true}},
		OutputGlobs: []string{"**/*.txt"},
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	env := &testEnv{
		compute: compute,
		storage: storage,
		store:   store.NewMemory(),
		acct:    accounting.NewMemory(),
		logs:    logbuffer.NewMemory(),
		clock:   &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.acct.Deposit(testAllocation, 10_000)

	o, err := New(Deps{
		Store:      env.store,
		Registry:   registry,
		Catalog:    apps,
		Accounting: env.acct,
		Logs:       env.logs,
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.now = env.clock.now
	t.Cleanup(o.Close)
	env.o = o
	return env
}

func figletRequest() StartRequest {
	return StartRequest{
		Application:   job.Application{Name: "figlet", Version: "1.0"},
		Parameters:    map[string]string{"text": "hello"},
		Provider:      testProvider,
		Product:       "standard",
		AllocationRef: testAllocation,
	}
}

func (e *testEnv) start(t *testing.T) *job.Job {
	t.Helper()
	j, err := e.o.StartJob(context.Background(), alice, figletRequest())
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	return j
}

func (e *testEnv) propose(t *testing.T, id string, s job.State, status string) Outcome {
	t.Helper()
	out, err := e.o.ApplyStateChange(context.Background(), job.StateChangeEvent{JobID: id, ProposedState: s, StatusMessage: status})
	if err != nil {
		t.Fatalf("ApplyStateChange(%s): %v", s, err)
	}
	return out
}

func (e *testEnv) job(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func TestFigletEndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	j := env.start(t)
	if j.State != job.StateValidated {
		t.Fatalf("state after start = %s, want VALIDATED", j.State)
	}
	if got := env.compute.Created(); len(got) != 1 || !slices.Equal(got[0].Specification.Invocation, []string{"figlet", "hello"}) {
		t.Fatalf("provider received %+v", got)
	}
	if j.ArchiveInCollection == "" {
		t.Fatal("output collection was not created")
	}
	if len(j.AccessToken) != 64 {
		t.Errorf("access token length = %d, want 64", len(j.AccessToken))
	}

	env.propose(t, j.ID, job.StateRunning, "Running")
	if err := env.o.AddStatus(ctx, j.ID, "50%"); err != nil {
		t.Fatalf("AddStatus: %v", err)
	}
	if got := env.job(t, j.ID).Status; got != "50%" {
		t.Errorf("status = %q, want 50%%", got)
	}

	env.clock.advance(5 * time.Second)
	if err := env.o.Complete(ctx, j.ID, 5*time.Second, true); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	done := env.job(t, j.ID)
	if done.State != job.StateSuccess {
		t.Fatalf("state = %s, want SUCCESS", done.State)
	}
	charges := env.acct.Charges()
	if len(charges) != 1 {
		t.Fatalf("charges = %+v, want exactly one", charges)
	}
	if charges[0].Key != j.ID+":settle" || charges[0].Amount != testPrice {
		t.Errorf("charge = %+v, want one started minute", charges[0])
	}
	if s := done.Settlement; s == nil || s.Duration != 5*time.Second || !s.ProviderReported {
		t.Errorf("settlement = %+v", done.Settlement)
	}
}

func TestStartJob_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*StartRequest)
		want   error
	}{
		{"unknown application", func(r *StartRequest) { r.Application.Name = "cowsay" }, apperrors.ErrNotFound},
		{"missing parameter", func(r *StartRequest) { r.Parameters = nil }, apperrors.ErrValidation},
		{"unknown provider", func(r *StartRequest) { r.Provider = "elephant" }, apperrors.ErrNotFound},
		{"unknown product", func(r *StartRequest) { r.Product = "gpu" }, apperrors.ErrValidation},
		{"too many nodes", func(r *StartRequest) { r.Resources.Nodes = 5 }, apperrors.ErrValidation},
		{"too much time", func(r *StartRequest) { r.Resources.MaxTime = 3 * time.Hour }, apperrors.ErrValidation},
		{"no allocation", func(r *StartRequest) { r.AllocationRef = "" }, apperrors.ErrValidation},
		{"no funds", func(r *StartRequest) { r.AllocationRef = "empty" }, apperrors.ErrValidation},
		{"foreign collection", func(r *StartRequest) { r.ArchiveInCollection = "nope" }, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, nil)
			req := figletRequest()
			tt.mutate(&req)
			_, err := env.o.StartJob(context.Background(), alice, req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("StartJob error = %v, want %v", err, tt.want)
			}
			if n := len(env.compute.Created()); n != 0 {
				t.Errorf("provider received %d jobs", n)
			}
		})
	}
}

func TestStartJob_ProviderRefusal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &testutil.FakeCompute{CreateErr: provider.BadRequest("image not allowed")})
	ctx := context.Background()

	_, err := env.o.StartJob(ctx, alice, figletRequest())
	if apperrors.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("StartJob error = %v, want the provider's 400", err)
	}
	jobs, err := env.o.ListRecent(ctx, alice, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListRecent = %v, %v", jobs, err)
	}
	if jobs[0].State != job.StateFailure || !strings.Contains(jobs[0].Status, "image not allowed") {
		t.Errorf("job = %s %q, want FAILURE with the provider reason", jobs[0].State, jobs[0].Status)
	}
	if n := len(env.acct.Charges()); n != 0 {
		t.Errorf("charges = %d, want none", n)
	}
}

func TestStartJob_CallbackDuringCreate(t *testing.T) {
	t.Parallel()
	compute := &testutil.FakeCompute{}
	env := newTestEnv(t, compute)
	compute.OnCreate = func(j *job.Job) {
		done := make(chan error, 1)
		go func() {
			_, err := env.o.ApplyStateChange(context.Background(), job.StateChangeEvent{JobID: j.ID, ProposedState: job.StateRunning})
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("ApplyStateChange: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("state change waited for the provider to finish creating the job")
		}
	}

	j := env.start(t)
	if j.State != job.StateRunning {
		t.Errorf("returned state = %s, want RUNNING", j.State)
	}
	if got := env.job(t, j.ID); got.State != job.StateRunning || got.StartedAt == nil {
		t.Errorf("stored job = %s started=%v, want RUNNING", got.State, got.StartedAt)
	}
}

func TestApplyStateChange_NeverRegresses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		path     []job.State
		proposed job.State
		want     job.State
		decision job.Decision
	}{
		{"forward", []job.State{job.StateRunning}, job.StateTransferSuccess, job.StateTransferSuccess, job.Accept},
		{"backwards", []job.State{job.StateRunning}, job.StatePrepared, job.StateRunning, job.NoOp},
		{"repeat", []job.State{job.StateRunning}, job.StateRunning, job.StateRunning, job.NoOp},
		{"failure cuts short", []job.State{job.StateScheduled}, job.StateFailure, job.StateFailure, job.Accept},
		{"terminal is final", []job.State{job.StateRunning, job.StateSuccess}, job.StateFailure, job.StateSuccess, job.NoOp},
		{"provider cannot cancel", []job.State{job.StateRunning}, job.StateCancelling, job.StateRunning, job.NoOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, nil)
			j := env.start(t)
			for _, s := range tt.path {
				env.propose(t, j.ID, s, "")
			}
			out := env.propose(t, j.ID, tt.proposed, "moved")
			if out.Decision != tt.decision || out.State != tt.want {
				t.Errorf("outcome = %v %s, want %v %s", out.Decision, out.State, tt.decision, tt.want)
			}
			if got := env.job(t, j.ID).State; got != tt.want {
				t.Errorf("stored state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyStateChange_UnknownState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	j := env.start(t)
	_, err := env.o.ApplyStateChange(context.Background(), job.StateChangeEvent{JobID: j.ID, ProposedState: "EXPLODED"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
	_, err = env.o.ApplyStateChange(context.Background(), job.StateChangeEvent{JobID: "missing", ProposedState: job.StateRunning})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestAddStatus_IgnoresUnknownAndFinished(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.o.AddStatus(ctx, "missing", "hi"); err != nil {
		t.Errorf("unknown job: %v", err)
	}
	j := env.start(t)
	env.propose(t, j.ID, job.StateFailure, "broken")
	if err := env.o.AddStatus(ctx, j.ID, "late"); err != nil {
		t.Fatalf("AddStatus: %v", err)
	}
	if got := env.job(t, j.ID).Status; got != "broken" {
		t.Errorf("status = %q, want it unchanged", got)
	}
}

func TestSettlement_ExactlyOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	j := env.start(t)
	env.propose(t, j.ID, job.StateRunning, "")
	env.clock.advance(90 * time.Second)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.o.Complete(ctx, j.ID, 90*time.Second, true); err != nil {
				t.Errorf("Complete: %v", err)
			}
		}()
	}
	wg.Wait()
	env.propose(t, j.ID, job.StateSuccess, "")

	charges := env.acct.Charges()
	if len(charges) != 1 || charges[0].Amount != 2*testPrice {
		t.Fatalf("charges = %+v, want one charge of two minutes", charges)
	}
	if got := env.acct.Balance(testAllocation); got != 10_000-2*testPrice {
		t.Errorf("balance = %d", got)
	}
}

func TestSettlement_NodesAndMinutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	req := figletRequest()
	req.Resources.Nodes = 3
	j, err := env.o.StartJob(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	env.propose(t, j.ID, job.StateRunning, "")
	if err := env.o.Complete(context.Background(), j.ID, 61*time.Second, true); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if charges := env.acct.Charges(); len(charges) != 1 || charges[0].Amount != 3*2*testPrice {
		t.Errorf("charges = %+v, want 3 nodes x 2 minutes", charges)
	}
}

func TestSettlement_InsufficientFundsForcesFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	req := figletRequest()
	req.AllocationRef = "small"
	env.acct.Deposit("small", 100)
	j, err := env.o.StartJob(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	env.propose(t, j.ID, job.StateRunning, "")
	env.clock.advance(20 * time.Minute)
	out := env.propose(t, j.ID, job.StateSuccess, "done")

	if out.State != job.StateFailure {
		t.Fatalf("state = %s, want FAILURE", out.State)
	}
	got := env.job(t, j.ID)
	if got.Status != StatusInsufficientFunds || got.Settlement.Outcome != job.SettlementInsufficientFunds {
		t.Errorf("job = %q %+v", got.Status, got.Settlement)
	}
	if env.acct.Balance("small") != 100 {
		t.Errorf("balance changed to %d", env.acct.Balance("small"))
	}
}

func TestSettlement_ProviderManaged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, withAllocations(testutil.FakeAllocations{
		"managed": job.ManageThroughProvider("managed", "hippo-42"),
	}))
	ctx := context.Background()
	if _, err := env.o.NotifyDeposit(ctx, testProvider, []job.DepositNotification{{AllocationID: "managed", Owner: alice, Amount: 1}}); err != nil {
		t.Fatalf("NotifyDeposit: %v", err)
	}

	req := figletRequest()
	req.AllocationRef = "managed"
	j, err := env.o.StartJob(ctx, alice, req)
	if err != nil {
		t.Fatalf("StartJob without platform funds: %v", err)
	}
	env.propose(t, j.ID, job.StateRunning, "")
	if err := env.o.Complete(ctx, j.ID, time.Hour, true); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := env.job(t, j.ID)
	if got.State != job.StateSuccess || got.Settlement.Outcome != job.SettlementProviderManaged {
		t.Errorf("job = %s %+v", got.State, got.Settlement)
	}
	if n := len(env.acct.Charges()); n != 0 {
		t.Errorf("charges = %d, want none", n)
	}
}

func TestSettlement_Reconciliation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		reported  time.Duration
		charges   int
		releases  int
		wantTotal int64
	}{
		{"provider ran longer", 5 * time.Minute, 2, 0, 5 * testPrice},
		{"provider ran shorter", 30 * time.Second, 1, 1, testPrice},
		{"same minutes", 110 * time.Second, 1, 0, 2 * testPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, nil)
			ctx := context.Background()
			j := env.start(t)
			env.propose(t, j.ID, job.StateRunning, "")
			env.clock.advance(2 * time.Minute)
			env.propose(t, j.ID, job.StateSuccess, "")

			for range 2 {
				if err := env.o.Complete(ctx, j.ID, tt.reported, true); err != nil {
					t.Fatalf("Complete: %v", err)
				}
			}
			if n := len(env.acct.Charges()); n != tt.charges {
				t.Errorf("charges = %d, want %d", n, tt.charges)
			}
			if n := len(env.acct.Releases()); n != tt.releases {
				t.Errorf("releases = %d, want %d", n, tt.releases)
			}
			if got := 10_000 - env.acct.Balance(testAllocation); got != tt.wantTotal {
				t.Errorf("total billed = %d, want %d", got, tt.wantTotal)
			}
			s := env.job(t, j.ID).Settlement
			if !s.ProviderReported || s.Amount != tt.wantTotal || s.Duration != tt.reported {
				t.Errorf("settlement = %+v", s)
			}
		})
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	j := env.start(t)
	env.propose(t, j.ID, job.StateRunning, "")

	got, err := env.o.CancelJob(ctx, alice, j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got.State != job.StateCancelling || got.CancelRequestedAt == nil {
		t.Fatalf("job = %s, want CANCELLING with a request time", got.State)
	}
	if _, err := env.o.CancelJob(ctx, alice, j.ID); err != nil {
		t.Errorf("repeated cancel: %v", err)
	}
	if d := env.compute.Deleted(); len(d) != 1 || d[0] != j.ID {
		t.Errorf("deleted = %v, want one delete", d)
	}

	if out := env.propose(t, j.ID, job.StateRunning, ""); out.Decision != job.NoOp {
		t.Error("CANCELLING must only move to a terminal state")
	}
	if out := env.propose(t, j.ID, job.StateCancelled, "stopped"); out.State != job.StateCancelled {
		t.Errorf("state = %s, want CANCELLED", out.State)
	}
	if _, err := env.o.CancelJob(ctx, alice, j.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("cancel after end = %v, want conflict", err)
	}
	if _, err := env.o.CancelJob(ctx, job.Owner{Username: "mallory"}, j.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("cancel by stranger = %v, want not found", err)
	}
}

func TestExtendAndSuspend_RequireRunning(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	j := env.start(t)

	if err := env.o.ExtendJob(ctx, alice, j.ID, time.Hour); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("extend before running = %v, want conflict", err)
	}
	env.propose(t, j.ID, job.StateRunning, "")
	if err := env.o.ExtendJob(ctx, alice, j.ID, time.Hour); err != nil {
		t.Fatalf("ExtendJob: %v", err)
	}
	if err := env.o.ExtendJob(ctx, alice, j.ID, 0); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("zero extension = %v, want validation", err)
	}
	if err := env.o.SuspendJob(ctx, alice, j.ID); err != nil {
		t.Fatalf("SuspendJob: %v", err)
	}
	if got := env.compute.Extended(j.ID); got != time.Hour {
		t.Errorf("extended = %v", got)
	}
	if got := env.compute.Suspended(); len(got) != 1 {
		t.Errorf("suspended = %v", got)
	}
	_, err := env.o.OpenInteractiveSession(ctx, alice, j.ID, provider.SessionShell)
	if pe, ok := provider.AsError(err); !ok || pe.Reason != provider.ReasonInteractiveNotSupported {
		t.Errorf("interactive = %v", err)
	}
}

func TestSweepStuck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	j := env.start(t)
	env.propose(t, j.ID, job.StateRunning, "")
	if _, err := env.o.CancelJob(ctx, alice, j.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	env.o.sweepStuck(ctx)
	if env.job(t, j.ID).StuckCancellation {
		t.Fatal("flagged before the timeout")
	}

	env.clock.advance(6 * time.Minute)
	env.o.sweepStuck(ctx)
	env.o.sweepStuck(ctx)

	got := env.job(t, j.ID)
	if !got.StuckCancellation || got.State != job.StateCancelling {
		t.Errorf("job = %s stuck=%v, want CANCELLING and flagged", got.State, got.StuckCancellation)
	}
	if n := len(env.compute.Deleted()); n != 2 {
		t.Errorf("deletes = %d, want the original plus one retry", n)
	}
}

func TestSweepVerify(t *testing.T) {
	t.Parallel()
	compute := &testutil.FakeCompute{}
	env := newTestEnv(t, compute)
	ctx := context.Background()
	lost := env.start(t)
	kept := env.start(t)
	env.propose(t, lost.ID, job.StateRunning, "")
	env.propose(t, kept.ID, job.StateRunning, "")
	compute.Lost = []string{lost.ID}

	env.o.sweepVerify(ctx)

	if got := env.job(t, lost.ID); got.State != job.StateFailure || got.Status != StatusLostByProvider {
		t.Errorf("lost job = %s %q", got.State, got.Status)
	}
	if got := env.job(t, kept.ID).State; got != job.StateRunning {
		t.Errorf("kept job = %s", got)
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

func (d *recordingDispatcher) Dispatch(e *cloudevent.CloudEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Stats() dispatcher.Stats    { return dispatcher.Stats{} }
func (d *recordingDispatcher) Close(context.Context) error { return nil }

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	rec := &recordingDispatcher{}
	env.o.dispatcher = rec
	env.o.cfg.EventFilter = []string{job.EventTypeSettled}

	j := env.start(t)
	env.propose(t, j.ID, job.StateRunning, "")
	if err := env.o.Complete(context.Background(), j.ID, time.Minute, true); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := rec.types()
	if len(got) == 0 {
		t.Fatal("settled event was not dispatched")
	}
	for _, typ := range got {
		if typ != job.EventTypeSettled {
			t.Errorf("dispatched %s, want only settled events", typ)
		}
	}
}

func TestLookupOwnJob_TokenScoping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.job(t, env.start(t).ID)
	b := env.job(t, env.start(t).ID)

	if got, err := env.o.LookupOwnJob(ctx, a.ID, a.AccessToken); err != nil || got.ID != a.ID {
		t.Fatalf("own token: %v", err)
	}
	tests := []struct {
		name  string
		id    string
		token string
		want  error
	}{
		{"other job's token", a.ID, b.AccessToken, apperrors.ErrUnauthorized},
		{"empty token", a.ID, "", apperrors.ErrUnauthorized},
		{"unknown job", "missing", a.AccessToken, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		if _, err := env.o.LookupOwnJob(ctx, tt.id, tt.token); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestFollowStreams(t *testing.T) {
	t.Parallel()
	compute := &testutil.FakeCompute{Logs: []provider.LogLine{
		{Stream: provider.StreamStdout, Text: " _          _ _"},
		{Stream: provider.StreamStderr, Text: "warning: font"},
		{Stream: provider.StreamStdout, Text: "| |__   ___| | |"},
	}}
	env := newTestEnv(t, compute)
	ctx := context.Background()
	j := env.start(t)
	env.propose(t, j.ID, job.StateRunning, "")

	testutil.MustWaitForLines(t, env.logs, j.ID, logbuffer.Stdout, 2,
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))

	quiet, err := env.o.FollowStreams(ctx, FollowRequest{Owner: alice, JobID: j.ID, StdoutMax: -1, StderrMax: 0})
	if err != nil {
		t.Fatalf("FollowStreams: %v", err)
	}
	if len(quiet.Stdout) != 2 || len(quiet.Stderr) != 0 || quiet.NextStderr != 0 {
		t.Fatalf("stderr max 0 = %+v", quiet)
	}

	req := FollowRequest{Owner: alice, JobID: j.ID, Session: "tab-1", StdoutStart: -1, StdoutMax: 1, StderrStart: -1, StderrMax: -1}
	first, err := env.o.FollowStreams(ctx, req)
	if err != nil {
		t.Fatalf("FollowStreams: %v", err)
	}
	if len(first.Stdout) != 1 || first.NextStdout != 1 || len(first.Stderr) != 1 || first.State != job.StateRunning {
		t.Fatalf("first page = %+v", first)
	}
	second, err := env.o.FollowStreams(ctx, req)
	if err != nil {
		t.Fatalf("FollowStreams: %v", err)
	}
	if !slices.Equal(second.Stdout, []string{"| |__   ___| | |"}) || len(second.Stderr) != 0 {
		t.Errorf("second page = %+v", second)
	}

	if _, err := env.o.FollowStreams(ctx, FollowRequest{Owner: job.Owner{Username: "bob"}, JobID: j.ID}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("stranger follow = %v, want not found", err)
	}

	env.propose(t, j.ID, job.StateSuccess, "")
	testutil.MustWaitFor(t, func() bool {
		env.o.followMu.Lock()
		defer env.o.followMu.Unlock()
		return len(env.o.followers) == 0
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))
	if n := compute.Follows(); n != 1 {
		t.Errorf("follows = %d, want 1", n)
	}
}

func TestSessionsExpire(t *testing.T) {
	t.Parallel()
	sessions := newSessionTable()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions.get("a", start)
	sessions.advance("b", 3, 4, start.Add(time.Minute))
	if n := sessions.expire(start.Add(30 * time.Second)); n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	if c := sessions.get("b", start); c.stdout != 3 || c.stderr != 4 {
		t.Errorf("cursor = %+v", c)
	}
	if sessions.len() != 1 {
		t.Errorf("len = %d", sessions.len())
	}
}

func TestWriteOutput(t *testing.T) {
	t.Parallel()
	ids := testutil.FakeIdentity{"alice": {Name: "alice", UID: 1000, GID: 1000}}
	env := newTestEnv(t, nil, withIdentity(ids))
	ctx := context.Background()
	j := env.start(t)

	err := env.o.WriteOutput(ctx, IncomingFile{JobID: j.ID, Path: "out/banner.txt", Size: 5, Body: strings.NewReader("hello")})
	if err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	data, ok := env.storage.File(j.ArchiveInCollection, j.ID+"/out/banner.txt")
	if !ok || string(data) != "hello" {
		t.Fatalf("stored = %q %v", data, ok)
	}
	if w := env.storage.Writers(); len(w) != 1 || w[0] == nil || w[0].UID != 1000 {
		t.Errorf("writers = %+v", w)
	}

	tests := []struct {
		name string
		in   IncomingFile
		want error
	}{
		{"undeclared output", IncomingFile{JobID: j.ID, Path: "secret.bin", Size: 1, Body: strings.NewReader("x")}, apperrors.ErrForbidden},
		{"traversal", IncomingFile{JobID: j.ID, Path: "../escape.txt", Size: 1, Body: strings.NewReader("x")}, apperrors.ErrValidation},
		{"unknown job", IncomingFile{JobID: "missing", Path: "a.txt", Size: 1, Body: strings.NewReader("x")}, apperrors.ErrNotFound},
		{"no length", IncomingFile{JobID: j.ID, Path: "a.txt", Size: -1, Body: strings.NewReader("x")}, apperrors.ErrLengthRequired},
	}
	for _, tt := range tests {
		if err := env.o.WriteOutput(ctx, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestWriteOutput_UnmappedOwner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, withIdentity(testutil.FakeIdentity{}))
	j := env.start(t)
	err := env.o.WriteOutput(context.Background(), IncomingFile{JobID: j.ID, Path: "a.txt", Size: 1, Body: strings.NewReader("x")})
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("error = %v, want forbidden", err)
	}
}

func TestNotifyDeposit_FirstModeWins(t *testing.T) {
	t.Parallel()
	allocations := testutil.FakeAllocations{}
	env := newTestEnv(t, nil, withAllocations(allocations))
	ctx := context.Background()
	deposit := []job.DepositNotification{{AllocationID: "a-1", Owner: alice, Amount: 100}}

	modes, err := env.o.NotifyDeposit(ctx, testProvider, deposit)
	if err != nil || len(modes) != 1 || modes[0].ManagedBy != job.ManagedByUCloud {
		t.Fatalf("first deposit = %+v, %v", modes, err)
	}
	allocations["a-1"] = job.ManageThroughProvider("a-1", "local")
	modes, err = env.o.NotifyDeposit(ctx, testProvider, deposit)
	if err != nil || modes[0].ManagedBy != job.ManagedByUCloud {
		t.Errorf("second deposit = %+v, %v; the first mode must stay", modes, err)
	}
	if _, err := env.o.NotifyDeposit(ctx, "elephant", deposit); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown provider = %v", err)
	}
}

func TestCollections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	bob := job.Owner{Username: "bob"}

	c, err := env.o.CreateCollection(ctx, alice, CreateCollectionRequest{Provider: testProvider, Title: "Results"})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := env.o.Browse(ctx, bob, c.ID, ""); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("browse without grant = %v", err)
	}
	acl := []job.ACLEntry{{Entity: "user:bob", Permissions: []job.Permission{job.PermissionRead}}}
	if _, err := env.o.UpdateCollectionACL(ctx, alice, c.ID, acl); err != nil {
		t.Fatalf("UpdateCollectionACL: %v", err)
	}
	if _, err := env.o.Browse(ctx, bob, c.ID, ""); err != nil {
		t.Errorf("browse with grant: %v", err)
	}
	if _, err := env.o.UpdateCollectionACL(ctx, alice, c.ID, []job.ACLEntry{{Entity: "bob"}}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("bad entity = %v", err)
	}
	if err := env.o.DeleteCollection(ctx, bob, c.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("delete by grantee = %v", err)
	}
	if err := env.o.DeleteCollection(ctx, alice, c.ID); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if _, ok := env.storage.Collection(c.ID); ok {
		t.Error("collection still on the provider")
	}
}

func TestLockTable_SerializesPerID(t *testing.T) {
	t.Parallel()
	var locks lockTable
	var mu sync.Mutex
	inside := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("job-1")
			defer unlock()
			mu.Lock()
			inside++
			n := inside
			mu.Unlock()
			if n != 1 {
				t.Errorf("%d holders of one lock", n)
			}
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
}
