package sandbox

import (
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Workspace is the per-request directory holding the source artifact.
// It is owned by exactly one request and destroyed when that request ends.
type Workspace struct {
	ID           string
	RootPath     string
	ArtifactPath string
	CreatedAt    time.Time
}

// WorkspaceManager materializes and removes workspaces under a root directory.
type WorkspaceManager struct {
	logger *zap.Logger
	root   string
	fs     FileSystem
}

// WorkspaceOption defines a functional option for WorkspaceManager
type WorkspaceOption func(*WorkspaceManager)

// WithWorkspaceFileSystem sets the FileSystem for WorkspaceManager
func WithWorkspaceFileSystem(fs FileSystem) WorkspaceOption {
	return func(m *WorkspaceManager) {
		m.fs = fs
	}
}

// NewWorkspaceManager creates a WorkspaceManager rooted at root.
func NewWorkspaceManager(logger *zap.Logger, root string, opts ...WorkspaceOption) *WorkspaceManager {
	m := &WorkspaceManager{
		logger: logger,
		root:   root,
		fs:     &RealFileSystem{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the directory workspaces are created under.
func (m *WorkspaceManager) Root() string {
	return m.root
}

// Create writes code into a fresh, uniquely named directory.
// The directory name embeds a new xid and is created with MkdirTemp, so
// concurrent requests (even from other processes sharing the root) never
// share a path.
func (m *WorkspaceManager) Create(rt Runtime, code string) (*Workspace, error) {
	if err := m.fs.MkdirAll(m.root, DirPermission); err != nil {
		return nil, newError(ErrWorkspace, FailureWorkspace, err, "failed to create workspace root")
	}

	id := xid.New().String()
	dir, err := m.fs.MkdirTemp(m.root, "ws-"+id+"-")
	if err != nil {
		return nil, newError(ErrWorkspace, FailureWorkspace, err, "failed to create workspace")
	}

	ws := &Workspace{
		ID:           id,
		RootPath:     dir,
		ArtifactPath: filepath.Join(dir, rt.FileName),
		CreatedAt:    time.Now(),
	}

	// MkdirTemp creates 0700; container users other than the owner must be able to read it.
	if err := m.fs.Chmod(dir, DirPermission); err != nil {
		m.Destroy(ws)
		return nil, newError(ErrWorkspace, FailureWorkspace, err, "failed to prepare workspace")
	}

	if err := m.fs.WriteFile(ws.ArtifactPath, []byte(code), ArtifactPermission); err != nil {
		m.Destroy(ws)
		return nil, newError(ErrWorkspace, FailureWorkspace, err, "failed to write source artifact")
	}

	m.logger.Debug("workspace created",
		zap.String("workspace", ws.ID),
		zap.String("path", ws.RootPath),
		zap.Int("code_bytes", len(code)))

	return ws, nil
}

// Destroy removes the workspace tree. Failures are logged and never returned.
func (m *WorkspaceManager) Destroy(ws *Workspace) {
	if ws == nil {
		return
	}
	if err := m.fs.RemoveAll(ws.RootPath); err != nil {
		m.logger.Error("failed to remove workspace",
			zap.String("workspace", ws.ID),
			zap.String("path", ws.RootPath),
			zap.Error(err))
		return
	}
	m.logger.Debug("workspace removed", zap.String("workspace", ws.ID))
}
