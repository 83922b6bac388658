package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Supervisor defaults
const (
	defaultTimeout        = 5 * time.Second
	defaultDrainGrace     = 250 * time.Millisecond
	defaultCleanupTimeout = 10 * time.Second
	defaultMaxOutputBytes = 1 * BytesPerMB
)

// State is the lifecycle position of a supervised execution.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of one supervised execution with the
// output captured up to that point. ExitCode is set only for StateCompleted.
type Outcome struct {
	State     State
	Stdout    []byte
	Stderr    []byte
	ExitCode  *int
	Truncated bool
	Reason    FailureReason
	Err       error
}

// Supervisor enforces the wall-clock deadline on a running handle and
// guarantees it is terminated exactly once.
type Supervisor struct {
	logger         *zap.Logger
	timeout        time.Duration
	drainGrace     time.Duration
	cleanupTimeout time.Duration
	maxOutputBytes int
}

// SupervisorOption defines a functional option for Supervisor
type SupervisorOption func(*Supervisor)

// WithTimeout sets the wall-clock limit for one execution
func WithTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.timeout = d
	}
}

// WithDrainGrace sets how long trailing output is collected after a timeout
func WithDrainGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.drainGrace = d
	}
}

// WithCleanupTimeout bounds Terminate
func WithCleanupTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.cleanupTimeout = d
	}
}

// WithMaxOutputBytes caps each captured stream
func WithMaxOutputBytes(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxOutputBytes = n
	}
}

// NewSupervisor creates a Supervisor
func NewSupervisor(logger *zap.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:         logger,
		timeout:        defaultTimeout,
		drainGrace:     defaultDrainGrace,
		cleanupTimeout: defaultCleanupTimeout,
		maxOutputBytes: defaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the configured wall-clock limit
func (s *Supervisor) Timeout() time.Duration {
	return s.timeout
}

type waitResult struct {
	exitCode int
	err      error
}

// Supervise captures h's output and races its completion against the
// deadline and ctx. Whatever wins, h is terminated exactly once before
// Supervise returns.
func (s *Supervisor) Supervise(ctx context.Context, h Handle) Outcome {
	start := time.Now()
	log := s.logger.With(zap.String("handle", h.ID()))

	var terminateOnce sync.Once
	terminate := func() {
		terminateOnce.Do(func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
			defer cancel()
			if err := h.Terminate(cleanupCtx); err != nil {
				log.Warn("failed to terminate execution", zap.Error(err))
			}
		})
	}
	defer terminate()

	capt := newCapture(s.maxOutputBytes)
	drained := make(chan struct{})
	done := make(chan waitResult, 1)
	go func() {
		for chunk := range h.Output() {
			capt.add(chunk)
		}
		close(drained)
		code, err := h.Wait()
		done <- waitResult{exitCode: code, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var out Outcome
	select {
	case res := <-done:
		if res.err != nil {
			out = Outcome{State: StateFailed, Reason: FailureBackendError, Err: res.err}
			break
		}
		code := res.exitCode
		out = Outcome{State: StateCompleted, ExitCode: &code}

	case <-timer.C:
		out = Outcome{State: StateTimedOut}
		terminate()
		select {
		case <-drained:
		case <-time.After(s.drainGrace):
		}

	case <-ctx.Done():
		out = Outcome{State: StateFailed, Reason: FailureCanceled, Err: ctx.Err()}
		terminate()
	}

	out.Stdout, out.Stderr, out.Truncated = capt.snapshot()

	fields := []zap.Field{
		zap.Stringer("state", out.State),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("truncated", out.Truncated),
	}
	if out.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *out.ExitCode))
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	log.Debug("execution finished", fields...)

	return out
}

// capture accumulates both streams up to max bytes each; excess is dropped.
type capture struct {
	mu        sync.Mutex
	max       int
	stdout    []byte
	stderr    []byte
	truncated bool
}

func newCapture(maxBytes int) *capture {
	return &capture{max: maxBytes}
}

func (c *capture) add(chunk Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := &c.stdout
	if chunk.Stream == Stderr {
		buf = &c.stderr
	}

	room := c.max - len(*buf)
	data := chunk.Data
	if len(data) > room {
		data = data[:max(room, 0)]
		c.truncated = true
	}
	*buf = append(*buf, data...)
}

func (c *capture) snapshot() (stdout, stderr []byte, truncated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.stdout...), append([]byte(nil), c.stderr...), c.truncated
}
