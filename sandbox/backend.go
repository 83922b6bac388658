package sandbox

import (
	"context"
	"io"
	"time"
)

// Limits are fixed when a handle starts and never change for its lifetime.
type Limits struct {
	MemoryBytes int64
	CPUShares   int64
	PidsLimit   int64
}

// RunSpec is everything a backend needs to start one execution.
type RunSpec struct {
	Workspace *Workspace
	Runtime   Runtime
	Limits    Limits
}

// Stream identifies which output stream a chunk came from.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Chunk is a piece of output in the order the backend observed it.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Backend starts isolated executions.
type Backend interface {
	Name() string
	// Run starts the artifact under spec.Limits. Output capture is attached
	// before the code starts running.
	Run(ctx context.Context, spec RunSpec) (Handle, error)
	Close() error
}

// Handle is a running process or container.
type Handle interface {
	ID() string
	// Output yields output as it is produced. The channel is closed when the
	// execution ends or the handle is terminated.
	Output() <-chan Chunk
	// Wait blocks until the exit status is known. Call it after Output is closed.
	Wait() (exitCode int, err error)
	// Terminate forcibly stops the execution and releases its resources.
	// Calling it again is a no-op.
	Terminate(ctx context.Context) error
}

// outputBuffer is the capacity of a handle's Output channel.
const outputBuffer = 64

// defaultPullTimeout bounds an image pull shared by concurrent requests.
// The pull does not inherit any single request's cancellation.
const defaultPullTimeout = 5 * time.Minute

// chunkWriter forwards writes to a handle's output channel until stop is closed.
type chunkWriter struct {
	stream Stream
	out    chan<- Chunk
	stop   <-chan struct{}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case w.out <- Chunk{Stream: w.stream, Data: data}:
		return len(p), nil
	case <-w.stop:
		return 0, io.ErrClosedPipe
	}
}
