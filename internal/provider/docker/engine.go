package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// errContainerGone is returned by the engine when a container no longer exists.
var errContainerGone = errors.New("container not found")

// Container labels.
const (
	labelJobID     = "job.id"
	labelManagedBy = "managed-by"
	labelDeadline  = "job.deadline"
	labelOutputs   = "job.outputs"
	labelStarted   = "job.started"
)

// containerSpec is everything needed to create a job container.
type containerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	Volume     string
	WorkDir    string
	Binds      []bind
	NanoCPUs   int64
	MemoryMB   int64
	ExtraHosts []string
}

type bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// managedContainer is a container found by label on startup.
type managedContainer struct {
	ID      string
	JobID   string
	Running bool
	Labels  map[string]string
}

// engine is the subset of the Docker API the provider drives.
type engine interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	Create(ctx context.Context, spec containerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)
	// Running returns errContainerGone when the container does not exist.
	Running(ctx context.Context, id string) (bool, error)
	// Logs returns the multiplexed stdout/stderr stream.
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
	// CopyFrom returns a tar of path inside the container.
	CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error)
	ListManaged(ctx context.Context, managedBy string) ([]managedContainer, error)
	Close() error
}

// dockerEngine talks to the local Docker daemon.
type dockerEngine struct {
	client *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerEngine{client: c}, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

func (e *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := e.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) CreateVolume(ctx context.Context, name string) error {
	_, err := e.client.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return err
}

func (e *dockerEngine) RemoveVolume(ctx context.Context, name string) error {
	return e.client.VolumeRemove(ctx, name, true)
}

func (e *dockerEngine) Create(ctx context.Context, spec containerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
		Labels:     spec.Labels,
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeVolume,
		Source: spec.Volume,
		Target: spec.WorkDir,
	}}
	for _, b := range spec.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	host := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: spec.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryMB * 1024 * 1024,
		},
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	return e.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return mapGone(e.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	return mapGone(e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (e *dockerEngine) Pause(ctx context.Context, id string) error {
	return mapGone(e.client.ContainerPause(ctx, id))
}

func (e *dockerEngine) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, mapGone(err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *dockerEngine) Running(ctx context.Context, id string) (bool, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return false, mapGone(err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (e *dockerEngine) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	rc, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	return rc, mapGone(err)
}

func (e *dockerEngine) CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := e.client.CopyFromContainer(ctx, id, path)
	return rc, mapGone(err)
}

func (e *dockerEngine) ListManaged(ctx context.Context, managedBy string) ([]managedContainer, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]managedContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, managedContainer{
			ID:      c.ID,
			JobID:   c.Labels[labelJobID],
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func (e *dockerEngine) Close() error {
	return e.client.Close()
}

func mapGone(err error) error {
	if err != nil && cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", errContainerGone, err)
	}
	return err
}
