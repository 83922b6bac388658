// Package sandbox provides secure code execution capabilities.
//
// The ProcessBackend runs the interpreter directly on the host as a child
// process (for development only). It shares the host filesystem and network;
// isolation is limited to a private process group, a minimal environment and
// a data-segment limit. Terminate kills the process group only: a descendant
// that calls setsid(2) or setpgid(2) leaves it and survives the request.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/sandboxd/config"
)

const defaultDrainDelay = time.Second

// ProcessBackend implements Backend by spawning the interpreter as a child process
type ProcessBackend struct {
	logger     *zap.Logger
	path       string
	drainDelay time.Duration
}

// ProcessBackendOption defines a functional option for ProcessBackend
type ProcessBackendOption func(*ProcessBackend)

// WithProcessPath sets the PATH handed to child processes
func WithProcessPath(path string) ProcessBackendOption {
	return func(p *ProcessBackend) {
		p.path = path
	}
}

// WithProcessDrainDelay bounds how long output pipes may stay open after the
// interpreter exits (a backgrounded descendant can hold them).
func WithProcessDrainDelay(d time.Duration) ProcessBackendOption {
	return func(p *ProcessBackend) {
		p.drainDelay = d
	}
}

// NewProcessBackend creates a new ProcessBackend
func NewProcessBackend(logger *zap.Logger, opts ...ProcessBackendOption) *ProcessBackend {
	backend := &ProcessBackend{
		logger:     logger,
		path:       os.Getenv("PATH"),
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the backend name
func (*ProcessBackend) Name() string {
	return config.BackendProcess
}

// Run starts the interpreter with the artifact as its argument
// (WARNING: no network or filesystem isolation, use for development only)
func (p *ProcessBackend) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env := []string{
		"PATH=" + p.path,
		"HOME=" + spec.Workspace.RootPath,
		"TMPDIR=" + spec.Workspace.RootPath,
	}
	env = append(env, spec.Runtime.Environment...)

	h, err := startProcess(p.logger, processSpec{
		id:          spec.Workspace.ID,
		argv:        spec.Runtime.Argv(spec.Workspace.ArtifactPath),
		dir:         spec.Workspace.RootPath,
		env:         env,
		memoryBytes: spec.Limits.MemoryBytes,
		drainDelay:  p.drainDelay,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Close is a no-op; the process backend holds no shared resources
func (*ProcessBackend) Close() error {
	return nil
}

type processSpec struct {
	id          string
	argv        []string
	dir         string
	env         []string
	memoryBytes int64
	drainDelay  time.Duration
}

// processHandle is a child process running in its own process group.
type processHandle struct {
	id         string
	logger     *zap.Logger
	cmd        *exec.Cmd
	out        chan Chunk
	stop       chan struct{}
	exited     chan struct{}
	pipes      []*os.File
	pumps      sync.WaitGroup
	drainDelay time.Duration

	exitCode int
	waitErr  error

	termOnce sync.Once
	termErr  error
}

func startProcess(logger *zap.Logger, spec processSpec) (*processHandle, error) {
	if len(spec.argv) == 0 {
		return nil, fmt.Errorf("no command provided")
	}

	h := &processHandle{
		id:         spec.id,
		logger:     logger,
		out:        make(chan Chunk, outputBuffer),
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
		drainDelay: spec.drainDelay,
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	argv := spec.argv
	var gateR, gateW *os.File
	if spec.memoryBytes > 0 && canLimitMemory {
		resolved, err := exec.LookPath(argv[0])
		if err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
		}
		gateR, gateW, err = os.Pipe()
		if err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return nil, fmt.Errorf("failed to create start gate: %w", err)
		}
		// The shell holds on fd 3 until the limit is set, then execs the
		// interpreter in place so it inherits the limit from its first instruction.
		argv = append([]string{"/bin/sh", "-c", `read -r _ <&3; exec 3<&-; exec "$@"`, "sh", resolved}, argv[1:]...)
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // Running user code is intended functionality
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if gateR != nil {
		cmd.ExtraFiles = []*os.File{gateR}
	}

	startErr := cmd.Start()
	// The child owns the write ends now; EOF arrives once every holder exits.
	closeAll(stdoutW, stderrW, gateR)
	if startErr != nil {
		closeAll(stdoutR, stderrR, gateW)
		return nil, fmt.Errorf("failed to start %s: %w", spec.argv[0], startErr)
	}

	h.cmd = cmd
	h.pipes = []*os.File{stdoutR, stderrR}
	h.pumps.Add(2)
	go h.pump(stdoutR, Stdout)
	go h.pump(stderrR, Stderr)
	go h.wait()

	if gateW != nil {
		err := limitMemory(cmd.Process.Pid, spec.memoryBytes)
		gateW.Close()
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), spec.drainDelay+time.Second)
			defer cancel()
			_ = h.Terminate(ctx)
			return nil, fmt.Errorf("failed to apply memory limit: %w", err)
		}
	}

	logger.Debug("process started",
		zap.String("workspace", spec.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("argv", spec.argv))

	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func (h *processHandle) pump(r io.Reader, stream Stream) {
	defer h.pumps.Done()
	w := &chunkWriter{stream: stream, out: h.out, stop: h.stop}
	_, _ = io.Copy(w, r)
}

// wait reaps the process, then gives the pumps drainDelay to reach EOF
// before closing the read ends underneath them.
func (h *processHandle) wait() {
	err := h.cmd.Wait()
	h.exitCode, h.waitErr = exitStatus(h.cmd.ProcessState, err)

	drained := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(h.drainDelay):
		h.logger.Warn("output pipes held open after exit, closing",
			zap.String("workspace", h.id))
		for _, f := range h.pipes {
			f.Close()
		}
		<-drained
	}

	for _, f := range h.pipes {
		f.Close()
	}
	close(h.out)
	close(h.exited)
}

func exitStatus(state *os.ProcessState, err error) (int, error) {
	if state == nil {
		return -1, fmt.Errorf("failed to wait for process: %w", err)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return state.ExitCode(), nil
}

func (h *processHandle) ID() string {
	return h.id
}

func (h *processHandle) Output() <-chan Chunk {
	return h.out
}

func (h *processHandle) Wait() (int, error) {
	<-h.exited
	return h.exitCode, h.waitErr
}

// Terminate kills the whole process group and waits for it to be reaped.
func (h *processHandle) Terminate(ctx context.Context) error {
	h.termOnce.Do(func() {
		close(h.stop)

		pid := h.cmd.Process.Pid
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			h.termErr = fmt.Errorf("failed to kill process group %d: %w", pid, err)
		}

		select {
		case <-h.exited:
		case <-ctx.Done():
			h.termErr = errors.Join(h.termErr, fmt.Errorf("process %d not reaped: %w", pid, ctx.Err()))
		}
	})
	return h.termErr
}
