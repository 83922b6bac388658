package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeHandle emits a fixed set of chunks. When hang is set it keeps the
// output open until terminated, like a process that never exits.
type fakeHandle struct {
	id         string
	out        chan Chunk
	killed     chan struct{}
	exitCode   int
	waitErr    error
	terminates atomic.Int32
	termErr    error
	killOnce   sync.Once
}

func newFakeHandle(chunks []Chunk, exitCode int, waitErr error, hang bool) *fakeHandle {
	h := &fakeHandle{
		id:       "fake",
		out:      make(chan Chunk),
		killed:   make(chan struct{}),
		exitCode: exitCode,
		waitErr:  waitErr,
	}
	go func() {
		defer close(h.out)
		for _, c := range chunks {
			select {
			case h.out <- c:
			case <-h.killed:
				return
			}
		}
		if hang {
			<-h.killed
		}
	}()
	return h
}

func (h *fakeHandle) ID() string {
	return h.id
}

func (h *fakeHandle) Output() <-chan Chunk {
	return h.out
}

func (h *fakeHandle) Wait() (int, error) {
	return h.exitCode, h.waitErr
}

func (h *fakeHandle) Terminations() int32 {
	return h.terminates.Load()
}

func (h *fakeHandle) Terminate(context.Context) error {
	h.terminates.Add(1)
	h.killOnce.Do(func() { close(h.killed) })
	return h.termErr
}

func stdoutChunk(s string) Chunk { return Chunk{Stream: Stdout, Data: []byte(s)} }
func stderrChunk(s string) Chunk { return Chunk{Stream: Stderr, Data: []byte(s)} }

// fakeBackend hands out handles produced by newHandle and records every spec.
type fakeBackend struct {
	mu        sync.Mutex
	specs     []RunSpec
	handles   []*fakeHandle
	runErr    error
	newHandle func(spec RunSpec) *fakeHandle
}

func (*fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Run(_ context.Context, spec RunSpec) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs = append(b.specs, spec)
	if b.runErr != nil {
		return nil, b.runErr
	}
	h := b.newHandle(spec)
	b.handles = append(b.handles, h)
	return h, nil
}

func (*fakeBackend) Close() error { return nil }

func (b *fakeBackend) Specs() []RunSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RunSpec(nil), b.specs...)
}

type cmdResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// recordingRunner implements CommandRunner, answering from results keyed by
// the space-joined argv.
type recordingRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]cmdResult
}

func (r *recordingRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	key := strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, key)
	res := r.results[key]
	r.mu.Unlock()
	return res.stdout, res.stderr, res.exitCode, res.err
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// MockFileSystem implements FileSystem on the real filesystem with injectable failures
type MockFileSystem struct {
	RealFileSystem
	mkdirTempErr error
	chmodErr     error
	writeFileErr error
	removeAllErr error
}

func (m *MockFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	return m.RealFileSystem.MkdirTemp(dir, pattern)
}

func (m *MockFileSystem) Chmod(path string, perm os.FileMode) error {
	if m.chmodErr != nil {
		return m.chmodErr
	}
	return m.RealFileSystem.Chmod(path, perm)
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	if m.writeFileErr != nil {
		return m.writeFileErr
	}
	return m.RealFileSystem.WriteFile(filename, data, perm)
}

func (m *MockFileSystem) RemoveAll(path string) error {
	if m.removeAllErr != nil {
		return m.removeAllErr
	}
	return m.RealFileSystem.RemoveAll(path)
}

var errMock = errors.New("mock failure")
