// Package docker is a compute plugin that runs each job as a container on the
// local Docker daemon and reports progress back through the callback protocol.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"computeplane/internal/job"
	"computeplane/internal/provider"
)

// Backend is the tool backend this plugin runs.
const Backend = "DOCKER"

// Reporter carries job progress back to the orchestrator. callback.Client
// implements it.
type Reporter interface {
	Status(ctx context.Context, jobID, status string) error
	StateChange(ctx context.Context, jobID, state, status string) error
	Submit(ctx context.Context, jobID, path string, extract bool, size int64, body io.Reader) error
	Completed(ctx context.Context, jobID string, duration time.Duration, success bool) error
}

// Provider implements provider.ComputePlugin with Docker containers.
type Provider struct {
	provider.UnimplementedCompute

	engine   engine
	reporter Reporter
	cfg      Config
	state    *jobTable
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to the Docker daemon and adopts containers left running by a
// previous process.
func New(ctx context.Context, cfg Config, reporter Reporter) (*Provider, error) {
	if reporter == nil {
		return nil, errors.New("reporter is required")
	}
	eng, err := newDockerEngine()
	if err != nil {
		return nil, err
	}
	if err := eng.Ping(ctx); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	p := newProvider(eng, cfg, reporter)
	if err := p.reconcile(ctx); err != nil {
		p.logger.WarnContext(ctx, "Failed to reconcile containers", "error", err)
	}
	return p, nil
}

func newProvider(eng engine, cfg Config, reporter Reporter) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		engine:   eng,
		reporter: reporter,
		cfg:      cfg.withDefaults(),
		state:    newJobTable(),
		logger:   slog.With("component", "docker-provider"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// reconcile picks up containers from before a restart. Running ones are
// watched again; exited ones are finished as if they had just stopped.
func (p *Provider) reconcile(ctx context.Context) error {
	containers, err := p.engine.ListManaged(ctx, p.cfg.ManagedBy)
	if err != nil {
		return err
	}
	adopted := 0
	for _, c := range containers {
		if c.JobID == "" {
			continue
		}
		if !p.state.claim(c.JobID) {
			continue
		}
		js := stateFromLabels(c)
		p.state.fill(c.JobID, js)
		p.wg.Add(1)
		go p.watch(p.ctx, c.JobID, js, false)
		adopted++
	}
	if adopted > 0 {
		p.logger.InfoContext(ctx, "Reconciled jobs", "count", adopted)
	}
	return nil
}

func stateFromLabels(c managedContainer) *running {
	var outputs []string
	if raw := c.Labels[labelOutputs]; raw != "" {
		outputs = strings.Split(raw, "\n")
	}
	started, err := time.Parse(time.RFC3339Nano, c.Labels[labelStarted])
	if err != nil {
		started = time.Now()
	}
	var deadline time.Time
	if raw := c.Labels[labelDeadline]; raw != "" {
		deadline, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return newRunning(c.ID, volumeName(c.JobID), outputs, started, deadline)
}

func volumeName(jobID string) string { return "job-" + jobID + "-work" }

// Create starts the job's container. Creating a job that is already running
// here is a no-op.
func (p *Provider) Create(ctx context.Context, j *job.Job) error {
	if err := p.validate(j); err != nil {
		return err
	}
	binds, err := p.inputBinds(j.Specification.Inputs)
	if err != nil {
		return err
	}
	if !p.state.claim(j.ID) {
		return nil
	}

	logger := p.logger.With("jobId", j.ID)
	js, err := p.launch(ctx, j, binds)
	if err != nil {
		p.state.drop(j.ID)
		logger.WarnContext(ctx, "Failed to start job", "error", err)
		return err
	}
	p.state.fill(j.ID, js)
	logger.InfoContext(ctx, "Job started", "containerId", js.containerID, "image", j.Specification.Tool.Image)

	p.wg.Add(1)
	go p.watch(p.ctx, j.ID, js, true)
	return nil
}

func (p *Provider) validate(j *job.Job) error {
	spec := j.Specification
	if !strings.EqualFold(spec.Tool.Backend, Backend) {
		return provider.BadRequest(fmt.Sprintf("backend %q is not supported by this provider", spec.Tool.Backend))
	}
	if spec.Tool.Image == "" {
		return provider.BadRequest("an image is required")
	}
	if spec.Resources.Nodes > 1 && !p.cfg.AllowMultiNode {
		return provider.BadRequest("multi-node jobs are not supported by this provider")
	}
	for _, g := range spec.OutputGlobs {
		if !doublestar.ValidatePattern(g) {
			return provider.BadRequest(fmt.Sprintf("invalid output pattern %q", g))
		}
	}
	return nil
}

// inputBinds resolves job inputs under the configured input root. Inputs are
// mounted at /input/<name> inside the container.
func (p *Provider) inputBinds(inputs []job.Input) ([]bind, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if p.cfg.InputRoot == "" {
		return nil, provider.BadRequest("inputs are not supported by this provider")
	}
	binds := make([]bind, 0, len(inputs))
	for _, in := range inputs {
		rel := filepath.Clean("/" + in.Path)
		if rel == "/" {
			return nil, provider.BadRequest("input path is empty")
		}
		binds = append(binds, bind{
			Source:   filepath.Join(p.cfg.InputRoot, rel),
			Target:   "/input/" + filepath.Base(rel),
			ReadOnly: in.ReadOnly,
		})
	}
	return binds, nil
}

func (p *Provider) launch(ctx context.Context, j *job.Job, binds []bind) (*running, error) {
	spec := j.Specification
	if err := p.engine.EnsureImage(ctx, spec.Tool.Image); err != nil {
		return nil, provider.BadRequest(fmt.Sprintf("image %s could not be pulled: %v", spec.Tool.Image, err))
	}

	volume := volumeName(j.ID)
	if err := p.engine.CreateVolume(ctx, volume); err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}

	now := time.Now()
	labels := map[string]string{
		labelJobID:     j.ID,
		labelManagedBy: p.cfg.ManagedBy,
		labelStarted:   now.Format(time.RFC3339Nano),
	}
	if len(spec.OutputGlobs) > 0 {
		labels[labelOutputs] = strings.Join(spec.OutputGlobs, "\n")
	}
	var deadline time.Time
	if spec.Resources.MaxTime > 0 {
		deadline = now.Add(spec.Resources.MaxTime)
		labels[labelDeadline] = deadline.Format(time.RFC3339Nano)
	}

	tasks := int64(max(spec.Resources.TasksPerNode, 1))
	id, err := p.engine.Create(ctx, containerSpec{
		Name:   "job-" + j.ID,
		Image:  spec.Tool.Image,
		Cmd:    spec.Invocation,
		Labels: labels,
		Env: []string{
			"JOB_ID=" + j.ID,
			"JOB_NODES=" + strconv.Itoa(max(spec.Resources.Nodes, 1)),
			"JOB_TASKS_PER_NODE=" + strconv.FormatInt(tasks, 10),
		},
		Volume:     volume,
		WorkDir:    p.cfg.WorkDir,
		Binds:      binds,
		NanoCPUs:   tasks * p.cfg.MilliCPUs * 1_000_000,
		MemoryMB:   tasks * p.cfg.MemoryMB,
		ExtraHosts: p.cfg.ExtraHosts,
	})
	if err != nil {
		_ = p.engine.RemoveVolume(ctx, volume)
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := p.engine.Start(ctx, id); err != nil {
		_ = p.engine.Remove(ctx, id)
		_ = p.engine.RemoveVolume(ctx, volume)
		return nil, fmt.Errorf("start container: %w", err)
	}
	return newRunning(id, volume, spec.OutputGlobs, now, deadline), nil
}

// Delete stops the job's container. The watcher reports CANCELLED once it
// has exited. A job this provider does not know is confirmed cancelled.
func (p *Provider) Delete(ctx context.Context, j *job.Job) error {
	js, ok := p.state.lookup(j.ID)
	if !ok {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.report(p.ctx, p.logger.With("jobId", j.ID), "state-change", func(ctx context.Context) error {
				return p.reporter.StateChange(ctx, j.ID, string(job.StateCancelled), "Job was not running")
			})
		}()
		return nil
	}
	if js == nil {
		return &provider.Error{Status: http.StatusConflict, Reason: "job is still being created"}
	}

	if js.cancel() {
		p.logger.InfoContext(ctx, "Cancelling job", "jobId", j.ID)
	}
	if err := p.engine.Stop(ctx, js.containerID, p.cfg.StopTimeout); err != nil && !errors.Is(err, errContainerGone) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Extend moves the job's deadline.
func (p *Provider) Extend(ctx context.Context, j *job.Job, extra time.Duration) error {
	if extra <= 0 {
		return provider.BadRequest("extension must be positive")
	}
	js, ok := p.state.lookup(j.ID)
	if !ok || js == nil {
		return provider.NotFound("job is not running on this provider")
	}
	deadline := js.extend(extra)
	p.logger.InfoContext(ctx, "Job extended", "jobId", j.ID, "extra", extra, "deadline", deadline)
	return nil
}

// Suspend pauses the job's container. The deadline keeps running.
func (p *Provider) Suspend(ctx context.Context, j *job.Job) error {
	js, ok := p.state.lookup(j.ID)
	if !ok || js == nil {
		return provider.NotFound("job is not running on this provider")
	}
	if err := p.engine.Pause(ctx, js.containerID); err != nil {
		if errors.Is(err, errContainerGone) {
			return provider.NotFound("job is not running on this provider")
		}
		return fmt.Errorf("pause container: %w", err)
	}
	p.logger.InfoContext(ctx, "Job suspended", "jobId", j.ID)
	return nil
}

// Verify returns the jobs this provider has no container for.
func (p *Provider) Verify(ctx context.Context, jobs []*job.Job) ([]string, error) {
	var lost []string
	for _, j := range jobs {
		js, ok := p.state.lookup(j.ID)
		if !ok {
			lost = append(lost, j.ID)
			continue
		}
		if js == nil {
			continue
		}
		if _, err := p.engine.Running(ctx, js.containerID); err != nil {
			if errors.Is(err, errContainerGone) {
				lost = append(lost, j.ID)
				continue
			}
			return nil, fmt.Errorf("inspect %s: %w", j.ID, err)
		}
	}
	return lost, nil
}

// FollowLogs streams the container's output from the start until it exits
// or ctx is cancelled.
func (p *Provider) FollowLogs(ctx context.Context, j *job.Job, emit provider.EmitFunc) error {
	js, ok := p.state.lookup(j.ID)
	if !ok || js == nil {
		return nil
	}
	logs, err := p.engine.Logs(ctx, js.containerID, true)
	if err != nil {
		if errors.Is(err, errContainerGone) {
			return nil
		}
		return fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	err = demux(logs, emit)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Provider) RetrieveSupport(context.Context) (provider.ComputeSupport, error) {
	return provider.ComputeSupport{
		Backends: []string{Backend},
		Extend:   true,
		Suspend:  true,
		Logs:     true,
	}, nil
}

// Ready checks the Docker daemon.
func (p *Provider) Ready(ctx context.Context) error {
	return p.engine.Ping(ctx)
}

// Close stops watching jobs and closes the Docker client. Containers keep
// running and are adopted by the next process.
func (p *Provider) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.engine.Close()
}

type exitResult struct {
	code int
	err  error
}

// watch waits for the container to exit, enforcing the deadline, and then
// reports the outcome.
func (p *Provider) watch(ctx context.Context, jobID string, js *running, announce bool) {
	defer p.wg.Done()
	logger := p.logger.With("jobId", jobID)

	if announce {
		p.report(ctx, logger, "state-change", func(ctx context.Context) error {
			return p.reporter.StateChange(ctx, jobID, string(job.StateRunning), "Job is running")
		})
	}

	exited := make(chan exitResult, 1)
	go func() {
		code, err := p.engine.Wait(ctx, js.containerID)
		exited <- exitResult{code: code, err: err}
	}()

	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()
	arm := func() {
		if d := js.until(); !d.IsZero() {
			timer.Reset(max(time.Until(d), 0))
		}
	}
	arm()

	timedOut := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-js.moved:
			arm()
		case <-timer.C:
			if time.Now().Before(js.until()) {
				arm()
				continue
			}
			timedOut = true
			logger.WarnContext(ctx, "Job exceeded its time limit")
			if err := p.engine.Stop(ctx, js.containerID, p.cfg.StopTimeout); err != nil && !errors.Is(err, errContainerGone) {
				logger.WarnContext(ctx, "Failed to stop container", "error", err)
			}
		case res := <-exited:
			if res.err != nil && ctx.Err() != nil {
				return
			}
			p.finish(ctx, logger, jobID, js, res, timedOut)
			return
		}
	}
}

func (p *Provider) finish(ctx context.Context, logger *slog.Logger, jobID string, js *running, res exitResult, timedOut bool) {
	duration := time.Since(js.startedAt)
	defer p.cleanup(ctx, logger, jobID, js)

	if js.cancelled.Load() {
		p.report(ctx, logger, "state-change", func(ctx context.Context) error {
			return p.reporter.StateChange(ctx, jobID, string(job.StateCancelled), "Job cancelled")
		})
		logger.InfoContext(ctx, "Job cancelled", "duration", duration)
		return
	}

	success := res.err == nil && res.code == 0 && !timedOut
	var status string
	switch {
	case timedOut:
		status = "Job exceeded its maximum time"
	case res.err != nil:
		status = "Job container was lost"
	case res.code != 0:
		status = fmt.Sprintf("Job exited with code %d", res.code)
	}
	if status != "" {
		p.report(ctx, logger, "status", func(ctx context.Context) error {
			return p.reporter.Status(ctx, jobID, status)
		})
	}

	if len(js.outputs) > 0 && res.err == nil {
		n, err := p.collectOutputs(ctx, jobID, js)
		switch {
		case err != nil:
			logger.ErrorContext(ctx, "Failed to transfer outputs", "error", err)
			success = false
			p.report(ctx, logger, "status", func(ctx context.Context) error {
				return p.reporter.Status(ctx, jobID, "Output transfer failed")
			})
		case n > 0:
			p.report(ctx, logger, "state-change", func(ctx context.Context) error {
				return p.reporter.StateChange(ctx, jobID, string(job.StateTransferSuccess),
					fmt.Sprintf("Transferred %d output files", n))
			})
		}
	}

	p.report(ctx, logger, "completed", func(ctx context.Context) error {
		return p.reporter.Completed(ctx, jobID, duration, success)
	})
	logger.InfoContext(ctx, "Job finished", "success", success, "exitCode", res.code, "duration", duration)
}

func (p *Provider) cleanup(ctx context.Context, logger *slog.Logger, jobID string, js *running) {
	p.state.drop(jobID)
	if err := p.engine.Remove(ctx, js.containerID); err != nil && !errors.Is(err, errContainerGone) {
		logger.WarnContext(ctx, "Failed to remove container", "error", err)
	}
	if js.volume != "" {
		_ = p.engine.RemoveVolume(ctx, js.volume)
	}
}

// report runs one callback with a bounded context. Failures are logged; the
// orchestrator's verify sweep catches jobs whose end was never reported.
func (p *Provider) report(ctx context.Context, logger *slog.Logger, what string, fn func(context.Context) error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReportTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		logger.WarnContext(ctx, "Callback failed", "callback", what, "error", err)
	}
}

var _ provider.ComputePlugin = (*Provider)(nil)
