// Package sandbox provides secure code execution capabilities.
//
// The DockerBackend runs code in Docker containers through the Engine API,
// with resource limits, no network, no capabilities and a read-only root
// filesystem. The workspace is mounted read-only at /workspace.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/sandboxd/config"
)

// Container labels identifying sandboxd-owned containers.
const (
	labelWorkspace = "sandboxd.workspace"
	labelLanguage  = "sandboxd.language"
)

// ContainerAPI is the subset of the Docker Engine client used by DockerBackend.
// *client.Client satisfies it.
type ContainerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ ContainerAPI = (*client.Client)(nil)

// DockerBackend implements Backend using the Docker Engine API
type DockerBackend struct {
	logger        *zap.Logger
	api           ContainerAPI
	user          string
	pullPolicy    string
	copyWorkspace bool
	pulls         singleflight.Group
}

// DockerBackendOption defines a functional option for DockerBackend
type DockerBackendOption func(*DockerBackend)

// WithDockerAPI sets the Engine API client for DockerBackend
func WithDockerAPI(api ContainerAPI) DockerBackendOption {
	return func(d *DockerBackend) {
		d.api = api
	}
}

// WithDockerUser sets the user code runs as inside the container
func WithDockerUser(user string) DockerBackendOption {
	return func(d *DockerBackend) {
		d.user = user
	}
}

// WithDockerPullPolicy sets when images are pulled
func WithDockerPullPolicy(policy string) DockerBackendOption {
	return func(d *DockerBackend) {
		d.pullPolicy = policy
	}
}

// WithDockerCopyWorkspace copies the workspace into the container instead of
// bind-mounting it, for daemons that cannot see the host filesystem.
func WithDockerCopyWorkspace(copyWorkspace bool) DockerBackendOption {
	return func(d *DockerBackend) {
		d.copyWorkspace = copyWorkspace
	}
}

// NewDockerBackend creates a new DockerBackend. Without WithDockerAPI it
// connects using the standard DOCKER_* environment variables.
func NewDockerBackend(logger *zap.Logger, opts ...DockerBackendOption) (*DockerBackend, error) {
	backend := &DockerBackend{
		logger:     logger,
		user:       "nobody",
		pullPolicy: config.PullMissing,
	}

	for _, opt := range opts {
		opt(backend)
	}

	if backend.api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		backend.api = cli
	}

	return backend, nil
}

// Name returns the backend name
func (*DockerBackend) Name() string {
	return config.BackendDocker
}

// Ping checks that the Docker daemon is reachable
func (d *DockerBackend) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the Engine API client
func (d *DockerBackend) Close() error {
	return d.api.Close()
}

// Run creates the container, attaches to its output and registers for its
// exit before starting it.
func (d *DockerBackend) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	if err := d.ensureImage(ctx, spec.Runtime.Image); err != nil {
		return nil, err
	}

	containerCfg, hostCfg := d.containerConfig(spec)
	name := containerName(spec.Workspace)

	resp, err := d.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container", name), zap.String("warning", w))
	}

	h := newContainerHandle(d.logger, d.api, resp.ID, spec.Workspace.ID)

	// Tear down whatever was created so far; the caller never sees h.
	fail := func(err error) (Handle, error) {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCleanupTimeout)
		defer cancel()
		if termErr := h.Terminate(cleanupCtx); termErr != nil {
			d.logger.Warn("failed to clean up container", zap.String("container", name), zap.Error(termErr))
		}
		return nil, err
	}

	if d.copyWorkspace {
		archive, err := workspaceArchive(spec.Workspace.RootPath, path.Base(ContainerWorkdir))
		if err != nil {
			return fail(err)
		}
		if err := d.api.CopyToContainer(ctx, resp.ID, "/", bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
			return fail(fmt.Errorf("failed to copy workspace into container: %w", err))
		}
	}

	attach, err := d.api.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to attach to container: %w", err))
	}
	h.attach = &attach
	go h.pump()

	h.waitCh, h.errCh = d.api.ContainerWait(h.waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("failed to start container: %w", err))
	}

	d.logger.Debug("container started",
		zap.String("workspace", spec.Workspace.ID),
		zap.String("container", shortID(resp.ID)),
		zap.String("image", spec.Runtime.Image),
		zap.String("memory", units.BytesSize(float64(spec.Limits.MemoryBytes))))

	return h, nil
}

func (d *DockerBackend) containerConfig(spec RunSpec) (*container.Config, *container.HostConfig) {
	lim := spec.Limits

	containerCfg := &container.Config{
		Image:           spec.Runtime.Image,
		Cmd:             spec.Runtime.Argv(path.Join(ContainerWorkdir, spec.Runtime.FileName)),
		Env:             append([]string(nil), spec.Runtime.Environment...),
		WorkingDir:      ContainerWorkdir,
		User:            d.user,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
		Labels: map[string]string{
			labelWorkspace: spec.Workspace.ID,
			labelLanguage:  spec.Runtime.Name,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		AutoRemove:     true,
		ReadonlyRootfs: !d.copyWorkspace,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		Resources: container.Resources{
			Memory:     lim.MemoryBytes,
			MemorySwap: lim.MemoryBytes,
			CPUShares:  lim.CPUShares,
		},
	}

	if lim.PidsLimit > 0 {
		pids := lim.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	if !d.copyWorkspace {
		hostCfg.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.Workspace.RootPath,
			Target:   ContainerWorkdir,
			ReadOnly: true,
		}}
	}

	return containerCfg, hostCfg
}

// ensureImage makes the image available locally according to the pull
// policy. Concurrent requests for the same image share one pull.
func (d *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if d.pullPolicy == config.PullNever {
		return nil
	}

	ch := d.pulls.DoChan(ref, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPullTimeout)
		defer cancel()

		if d.pullPolicy == config.PullMissing {
			_, err := d.api.ImageInspect(pullCtx, ref)
			if err == nil {
				return nil, nil
			}
			if !cerrdefs.IsNotFound(err) {
				return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
			}
		}

		d.logger.Info("pulling image", zap.String("image", ref))
		reader, err := d.api.ImagePull(pullCtx, ref, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		defer reader.Close()

		// The pull completes when the progress stream ends.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for image %s: %w", ref, ctx.Err())
	}
}

// containerHandle is one created container and its attached output stream.
type containerHandle struct {
	id        string
	workspace string
	logger    *zap.Logger
	api       ContainerAPI
	out       chan Chunk
	stop      chan struct{}

	attach     *types.HijackedResponse
	waitCtx    context.Context
	waitCancel context.CancelFunc
	waitCh     <-chan container.WaitResponse
	errCh      <-chan error

	once sync.Once
	err  error
}

func newContainerHandle(logger *zap.Logger, api ContainerAPI, id, workspace string) *containerHandle {
	waitCtx, waitCancel := context.WithCancel(context.Background())
	return &containerHandle{
		id:         id,
		workspace:  workspace,
		logger:     logger,
		api:        api,
		out:        make(chan Chunk, outputBuffer),
		stop:       make(chan struct{}),
		waitCtx:    waitCtx,
		waitCancel: waitCancel,
	}
}

// pump demultiplexes the attach stream until the container closes it or the
// handle is terminated.
func (h *containerHandle) pump() {
	defer close(h.out)

	stdout := &chunkWriter{stream: Stdout, out: h.out, stop: h.stop}
	stderr := &chunkWriter{stream: Stderr, out: h.out, stop: h.stop}
	if _, err := stdcopy.StdCopy(stdout, stderr, h.attach.Reader); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		h.logger.Debug("container output stream ended",
			zap.String("workspace", h.workspace),
			zap.Error(err))
	}
}

func (h *containerHandle) ID() string {
	return shortID(h.id)
}

func (h *containerHandle) Output() <-chan Chunk {
	return h.out
}

func (h *containerHandle) Wait() (int, error) {
	select {
	case resp := <-h.waitCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return -1, fmt.Errorf("container wait failed: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-h.errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	}
}

// Terminate closes the output stream and force-removes the container.
// A container that is already gone (auto-removed) is not an error.
func (h *containerHandle) Terminate(ctx context.Context) error {
	h.once.Do(func() {
		close(h.stop)
		if h.attach != nil {
			h.attach.Close()
		}
		h.waitCancel()

		err := h.api.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
			h.err = fmt.Errorf("failed to remove container %s: %w", shortID(h.id), err)
		}
	})
	return h.err
}

func containerName(ws *Workspace) string {
	return "sandboxd-" + ws.ID
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
