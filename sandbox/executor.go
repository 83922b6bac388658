package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Executor runs one request end to end: language lookup, workspace,
// backend start, supervision, sanitizing and cleanup. It implements
// SandboxExecutor and is safe for concurrent use.
type Executor struct {
	logger     *zap.Logger
	languages  *Registry
	workspaces *WorkspaceManager
	backend    Backend
	supervisor *Supervisor
	limits     Limits
	admission  *semaphore.Weighted
}

var _ SandboxExecutor = (*Executor)(nil)

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithLimits sets the resource limits applied to every execution
func WithLimits(limits Limits) ExecutorOption {
	return func(e *Executor) {
		e.limits = limits
	}
}

// WithSupervisor replaces the default Supervisor
func WithSupervisor(s *Supervisor) ExecutorOption {
	return func(e *Executor) {
		e.supervisor = s
	}
}

// WithMaxConcurrent bounds the number of executions in flight; 0 means unbounded.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.admission = semaphore.NewWeighted(int64(n))
		} else {
			e.admission = nil
		}
	}
}

// NewExecutor wires the execution pipeline around a backend
func NewExecutor(logger *zap.Logger, languages *Registry, workspaces *WorkspaceManager, backend Backend, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:     logger,
		languages:  languages,
		workspaces: workspaces,
		backend:    backend,
		supervisor: NewSupervisor(logger),
		limits: Limits{
			MemoryBytes: 100 * BytesPerMB,
			CPUShares:   1024,
			PidsLimit:   64,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req.Code in a fresh sandbox. A non-zero exit or a timeout is
// a normal result with a nil error. Errors are *Error values wrapping one of
// ErrUnsupportedLanguage, ErrWorkspace, ErrBackendStart or ErrExecution.
//
//nolint:gocritic // request struct passed by value to match SandboxExecutor
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	start := time.Now()

	rt, err := e.languages.Lookup(req.Language)
	if err != nil {
		return ExecuteResult{FailureReason: FailureUnsupportedLanguage}, err
	}

	if e.admission != nil {
		if err := e.admission.Acquire(ctx, 1); err != nil {
			return ExecuteResult{FailureReason: FailureCanceled},
				newError(ErrExecution, FailureCanceled, err, "execution canceled while waiting for a slot")
		}
		defer e.admission.Release(1)
	}

	ws, err := e.workspaces.Create(rt, req.Code)
	if err != nil {
		e.logger.Error("failed to create workspace", zap.String("language", rt.Name), zap.Error(err))
		return ExecuteResult{FailureReason: ReasonOf(err)}, err
	}
	defer e.workspaces.Destroy(ws)

	log := e.logger.With(
		zap.String("workspace", ws.ID),
		zap.String("language", rt.Name),
		zap.String("backend", e.backend.Name()))

	handle, err := e.backend.Run(ctx, RunSpec{Workspace: ws, Runtime: rt, Limits: e.limits})
	if err != nil {
		log.Error("failed to start execution", zap.Error(err))
		reason := FailureBackendUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = FailureCanceled
		}
		return ExecuteResult{FailureReason: reason},
			newError(ErrBackendStart, reason, err, "failed to start %s sandbox", e.backend.Name())
	}

	outcome := e.supervisor.Supervise(ctx, handle)

	result := ExecuteResult{
		Stdout:        Sanitize(outcome.Stdout),
		Stderr:        Sanitize(outcome.Stderr),
		ExitCode:      outcome.ExitCode,
		TimedOut:      outcome.State == StateTimedOut,
		Truncated:     outcome.Truncated,
		FailureReason: outcome.Reason,
		Duration:      time.Since(start),
	}

	if outcome.State == StateFailed {
		log.Warn("execution failed", zap.String("reason", string(outcome.Reason)), zap.Error(outcome.Err))
		return result, newError(ErrExecution, outcome.Reason, outcome.Err, "execution failed")
	}

	log.Info("execution finished",
		zap.Stringer("state", outcome.State),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// Languages returns the supported language names in sorted order
func (e *Executor) Languages() []string {
	return e.languages.Names()
}

// Backend returns the active isolation backend
func (e *Executor) Backend() Backend {
	return e.backend
}

// WorkspaceRoot returns the directory workspaces are created under
func (e *Executor) WorkspaceRoot() string {
	return e.workspaces.Root()
}

// Ping reports whether the backend's runtime is reachable. Backends without
// a daemon are always reachable.
func (e *Executor) Ping(ctx context.Context) error {
	if p, ok := e.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases backend resources
func (e *Executor) Close() error {
	return e.backend.Close()
}
