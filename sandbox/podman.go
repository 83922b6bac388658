// Package sandbox provides secure code execution capabilities.
//
// The PodmanBackend runs code in rootless Podman containers by driving the
// podman CLI, with the same restrictions as the Docker backend.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/sandboxd/config"
)

// PodmanBackend implements Backend using the podman CLI
type PodmanBackend struct {
	logger     *zap.Logger
	cmdRunner  CommandRunner
	binary     string
	user       string
	pullPolicy string
	drainDelay time.Duration
	pulls      singleflight.Group
}

// PodmanBackendOption defines a functional option for PodmanBackend
type PodmanBackendOption func(*PodmanBackend)

// WithPodmanCommandRunner sets the CommandRunner for PodmanBackend
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanBackendOption {
	return func(p *PodmanBackend) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanBinary overrides the podman executable
func WithPodmanBinary(binary string) PodmanBackendOption {
	return func(p *PodmanBackend) {
		p.binary = binary
	}
}

// WithPodmanUser sets the user code runs as inside the container
func WithPodmanUser(user string) PodmanBackendOption {
	return func(p *PodmanBackend) {
		p.user = user
	}
}

// WithPodmanPullPolicy sets when images are pulled
func WithPodmanPullPolicy(policy string) PodmanBackendOption {
	return func(p *PodmanBackend) {
		p.pullPolicy = policy
	}
}

// NewPodmanBackend creates a new PodmanBackend with default implementations and optional interfaces
func NewPodmanBackend(logger *zap.Logger, opts ...PodmanBackendOption) *PodmanBackend {
	backend := &PodmanBackend{
		logger:     logger,
		cmdRunner:  &RealCommandRunner{},
		binary:     "podman",
		user:       "nobody",
		pullPolicy: config.PullMissing,
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the backend name
func (*PodmanBackend) Name() string {
	return config.BackendPodman
}

// Run pulls the image if needed and starts `podman run` attached to the
// container's output.
func (p *PodmanBackend) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	if err := p.ensureImage(ctx, spec.Runtime.Image); err != nil {
		return nil, err
	}

	name := containerName(spec.Workspace)
	args := p.runArgs(spec, name)

	p.logger.Debug("starting podman container",
		zap.String("workspace", spec.Workspace.ID),
		zap.String("container", name),
		zap.String("image", spec.Runtime.Image),
		zap.String("memory", units.BytesSize(float64(spec.Limits.MemoryBytes))))

	proc, err := startProcess(p.logger, processSpec{
		id:         spec.Workspace.ID,
		argv:       args,
		env:        nil,
		drainDelay: p.drainDelay,
	})
	if err != nil {
		return nil, err
	}

	return &podmanHandle{
		processHandle: proc,
		name:          name,
		binary:        p.binary,
		cmdRunner:     p.cmdRunner,
	}, nil
}

// Close is a no-op; containers are removed per handle
func (*PodmanBackend) Close() error {
	return nil
}

func (p *PodmanBackend) runArgs(spec RunSpec, name string) []string {
	lim := spec.Limits
	args := []string{
		p.binary, "run",
		"--rm",
		"--name", name,
		"--pull", config.PullNever,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", units.BytesSize(float64(lim.MemoryBytes)),
		"--memory-swap", units.BytesSize(float64(lim.MemoryBytes)),
		"--cpu-shares", strconv.FormatInt(lim.CPUShares, 10),
		"--label", labelWorkspace + "=" + spec.Workspace.ID,
		"--label", labelLanguage + "=" + spec.Runtime.Name,
		"-v", fmt.Sprintf("%s:%s:ro", spec.Workspace.RootPath, ContainerWorkdir),
		"--workdir", ContainerWorkdir,
	}

	if lim.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(lim.PidsLimit, 10))
	}
	if p.user != "" {
		args = append(args, "--user", p.user)
	}
	for _, kv := range spec.Runtime.Environment {
		args = append(args, "-e", kv)
	}

	args = append(args, spec.Runtime.Image)
	return append(args, spec.Runtime.Argv(path.Join(ContainerWorkdir, spec.Runtime.FileName))...)
}

// ensureImage makes the image available locally according to the pull
// policy. Concurrent requests for the same image share one pull.
func (p *PodmanBackend) ensureImage(ctx context.Context, image string) error {
	if p.pullPolicy == config.PullNever {
		return nil
	}

	ch := p.pulls.DoChan(image, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPullTimeout)
		defer cancel()

		if p.pullPolicy == config.PullMissing {
			_, _, exitCode, err := p.cmdRunner.RunCommand(pullCtx, []string{p.binary, "image", "exists", image})
			if err != nil {
				return nil, fmt.Errorf("failed to inspect image %s: %w", image, err)
			}
			if exitCode == 0 {
				return nil, nil
			}
		}

		p.logger.Info("pulling image", zap.String("image", image))
		_, stderr, exitCode, err := p.cmdRunner.RunCommand(pullCtx, []string{p.binary, "pull", "--quiet", image})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", image, err)
		}
		if exitCode != 0 {
			return nil, fmt.Errorf("failed to pull image %s: exit code %d: %s", image, exitCode, strings.TrimSpace(stderr))
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for image %s: %w", image, ctx.Err())
	}
}

// podmanHandle is the `podman run` client process plus the container it drives.
type podmanHandle struct {
	*processHandle
	name      string
	binary    string
	cmdRunner CommandRunner

	once sync.Once
	err  error
}

// Terminate force-removes the container, which ends the attached client,
// then reaps the client's process group.
func (h *podmanHandle) Terminate(ctx context.Context) error {
	h.once.Do(func() {
		var rmErr error
		_, stderr, exitCode, err := h.cmdRunner.RunCommand(ctx, []string{h.binary, "rm", "--force", "--ignore", h.name})
		switch {
		case err != nil:
			rmErr = fmt.Errorf("failed to remove container %s: %w", h.name, err)
		case exitCode != 0:
			rmErr = fmt.Errorf("failed to remove container %s: exit code %d: %s", h.name, exitCode, strings.TrimSpace(stderr))
		}
		h.err = errors.Join(rmErr, h.processHandle.Terminate(ctx))
	})
	return h.err
}
