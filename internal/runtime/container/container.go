// Package container hosts instances as Docker containers. Each instance is a
// long-running container; Execute runs the configured command inside it
// with the payload on stdin.
package container

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
)

const (
	labelInstance = "spear.instance_id"
	labelTask     = "spear.task_id"
	labelArtifact = "spear.artifact_id"

	defaultStopTimeout = 2 * time.Second
)

// dockerAPI is the subset of the Docker client the adapter uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Config tunes the adapter.
type Config struct {
	// Network is the Docker network mode for new containers. Empty keeps the daemon default.
	Network     string
	StopTimeout time.Duration
	// PullMissing pulls images that are not present locally.
	PullMissing bool
	Logger      zerolog.Logger
}

type Adapter struct {
	cfg Config
	api dockerAPI
}

type handle struct {
	id          string
	containerID string
	command     []string

	mu        sync.Mutex
	destroyed bool
}

func (h *handle) InstanceID() string { return h.id }

// New connects to the daemon described by the standard DOCKER_* environment.
func New(cfg Config) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "docker client")
	}
	return newWithAPI(cfg, cli), nil
}

func newWithAPI(cfg Config, api dockerAPI) *Adapter {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Adapter{cfg: cfg, api: api}
}

func (a *Adapter) Type() runtime.Type { return runtime.TypeContainer }

// containerSpec builds the create request for cfg.
func (a *Adapter) containerSpec(cfg runtime.InstanceConfig) (*container.Config, *container.HostConfig, []string, error) {
	img := cfg.String("image")
	if img == "" {
		img = cfg.Snapshot.Location
	}
	if img == "" {
		return nil, nil, nil, errs.Instance(errs.KindCreationFailed, "container runtime needs an image")
	}
	command := cfg.Strings("command")
	if len(command) == 0 && cfg.EntryPoint != "" && cfg.EntryPoint != "main" {
		command = []string{cfg.EntryPoint}
	}
	if len(command) == 0 {
		return nil, nil, nil, errs.Instance(errs.KindCreationFailed, "container runtime needs a command to execute")
	}
	keys := make([]string, 0, len(cfg.Environment))
	for k := range cfg.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+cfg.Environment[k])
	}
	cc := &container.Config{
		Image: img,
		Env:   env,
		Labels: map[string]string{
			labelInstance: cfg.InstanceID,
			labelTask:     cfg.TaskID,
			labelArtifact: cfg.Snapshot.ArtifactID,
		},
		WorkingDir: cfg.String("workdir"),
	}
	if start := cfg.Strings("start_command"); len(start) > 0 {
		cc.Cmd = start
	} else {
		// Keep the container alive between executions.
		cc.Entrypoint = []string{"sleep"}
		cc.Cmd = []string{"infinity"}
	}
	hc := &container.HostConfig{
		Resources: container.Resources{
			Memory:   cfg.Limits.MemoryBytes,
			NanoCPUs: int64(cfg.Limits.CPUCores * 1e9),
		},
	}
	if a.cfg.Network != "" {
		hc.NetworkMode = container.NetworkMode(a.cfg.Network)
	}
	return cc, hc, command, nil
}

func (a *Adapter) ensureImage(ctx context.Context, ref string, pull bool) error {
	_, _, err := a.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "inspect image %s", ref)
	}
	if !pull {
		return errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "image %s not present", ref)
	}
	rc, err := a.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "pull image %s", ref)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "pull image %s", ref)
	}
	return nil
}

func (a *Adapter) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (runtime.Handle, error) {
	cc, hc, command, err := a.containerSpec(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.ensureImage(ctx, cc.Image, a.cfg.PullMissing || cfg.Bool("pull")); err != nil {
		return nil, err
	}
	name := "spear-" + containerName(cfg.InstanceID)
	resp, err := a.api.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err(), "create container %s", name)
		}
		return nil, errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "create container %s", name)
	}
	for _, w := range resp.Warnings {
		a.cfg.Logger.Warn().Str("instance_id", cfg.InstanceID).Str("container", resp.ID).Msg(w)
	}
	if err := a.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.api.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "start container %s", name)
	}
	a.cfg.Logger.Info().Str("instance_id", cfg.InstanceID).Str("container", resp.ID).Str("image", cc.Image).Msg("container instance started")
	return &handle{id: cfg.InstanceID, containerID: resp.ID, command: command}, nil
}

func (a *Adapter) Execute(ctx context.Context, rh runtime.Handle, payload []byte) (runtime.ExecutionResult, error) {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.ExecutionResult{}, runtime.MismatchedHandle(runtime.TypeContainer, rh)
	}
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindTerminated, "instance %s destroyed", h.id)
	}
	start := time.Now()
	exec, err := a.api.ContainerExecCreate(ctx, h.containerID, container.ExecOptions{
		Cmd:          h.command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return runtime.ExecutionResult{}, a.execErr(ctx, err, h, "exec create")
	}
	hj, err := a.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return runtime.ExecutionResult{}, a.execErr(ctx, err, h, "exec attach")
	}
	defer hj.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		if _, err := hj.Conn.Write(payload); err != nil {
			done <- err
			return
		}
		_ = hj.CloseWrite()
		_, err := stdcopy.StdCopy(&stdout, &stderr, hj.Reader)
		done <- err
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		hj.Close()
		<-done
		return runtime.ExecutionResult{Duration: time.Since(start)}, errs.FromContext(ctx.Err(), "execute %s", h.id)
	}
	res := runtime.ExecutionResult{Output: stdout.Bytes(), Logs: stderr.Bytes(), Duration: time.Since(start)}
	if err != nil {
		return res, a.execErr(ctx, err, h, "exec stream")
	}
	info, err := a.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return res, a.execErr(ctx, err, h, "exec inspect")
	}
	res.ExitCode = info.ExitCode
	if info.ExitCode != 0 {
		return res, errs.Instance(errs.KindCrashed, "exit status %d: %s", info.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return res, nil
}

func (a *Adapter) execErr(ctx context.Context, err error, h *handle, op string) error {
	if ctx.Err() != nil {
		return errs.FromContext(ctx.Err(), "%s %s", op, h.id)
	}
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return errs.Wrap(errs.ClassInstance, errs.KindCrashed, err, "%s %s", op, h.id)
	}
	return errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "%s %s", op, h.id)
}

func (a *Adapter) HealthCheck(ctx context.Context, rh runtime.Handle) runtime.HealthStatus {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.Unhealthy
	}
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return runtime.Unhealthy
	}
	info, err := a.api.ContainerInspect(ctx, h.containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return runtime.Unhealthy
		}
		return runtime.HealthUnknown
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return runtime.Unhealthy
	}
	return runtime.Healthy
}

func (a *Adapter) DestroyInstance(ctx context.Context, rh runtime.Handle) error {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.MismatchedHandle(runtime.TypeContainer, rh)
	}
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.mu.Unlock()
	secs := int(a.cfg.StopTimeout / time.Second)
	if err := a.api.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &secs}); err != nil && !errdefs.IsNotFound(err) {
		a.cfg.Logger.Warn().Err(err).Str("container", h.containerID).Msg("container stop failed; forcing removal")
	}
	err := a.api.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "remove container %s", h.containerID)
	}
	return nil
}

func containerName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, id)
}

var _ runtime.Adapter = (*Adapter)(nil)
