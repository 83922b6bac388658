package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
)

// NewBackend creates the isolation backend named in the configuration
func NewBackend(logger *zap.Logger, cfg *config.Config) (Backend, error) {
	sb := cfg.Sandbox

	switch sb.Backend {
	case config.BackendDocker:
		return NewDockerBackend(logger,
			WithDockerUser(sb.ContainerUser),
			WithDockerPullPolicy(sb.PullPolicy),
			WithDockerCopyWorkspace(sb.CopyWorkspace))
	case config.BackendPodman:
		return NewPodmanBackend(logger,
			WithPodmanBinary(sb.PodmanBinary),
			WithPodmanUser(sb.ContainerUser),
			WithPodmanPullPolicy(sb.PullPolicy)), nil
	case config.BackendProcess:
		if !sb.EnableProcessBackend {
			return nil, fmt.Errorf("process backend is disabled; set sandbox.enable_process_backend to use it")
		}
		logger.Warn("process backend selected: code runs on the host without network or filesystem isolation")
		var opts []ProcessBackendOption
		if sb.ProcessPath != "" {
			opts = append(opts, WithProcessPath(sb.ProcessPath))
		}
		return NewProcessBackend(logger, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", sb.Backend)
	}
}

// NewExecutorFromConfig creates an Executor and its backend from the configuration
func NewExecutorFromConfig(logger *zap.Logger, cfg *config.Config) (*Executor, error) {
	backend, err := NewBackend(logger, cfg)
	if err != nil {
		return nil, err
	}

	sb := cfg.Sandbox
	supervisor := NewSupervisor(logger,
		WithTimeout(cfg.GetTimeout()),
		WithCleanupTimeout(time.Duration(sb.CleanupTimeoutSec)*time.Second),
		WithMaxOutputBytes(sb.MaxOutputKB*BytesPerKB))

	return NewExecutor(logger,
		NewRegistry(cfg.Languages),
		NewWorkspaceManager(logger, sb.WorkspaceRoot),
		backend,
		WithSupervisor(supervisor),
		WithMaxConcurrent(sb.MaxConcurrent),
		WithLimits(Limits{
			MemoryBytes: int64(sb.MemoryMB) * BytesPerMB,
			CPUShares:   int64(sb.CPUShares),
			PidsLimit:   int64(sb.PidsLimit),
		})), nil
}
