package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/sandbox"
)

type handler struct {
	logger        *zap.Logger
	exec          sandbox.SandboxExecutor
	workspaceRoot string
	maxBodyBytes  int64
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecuteResponse is the body of a successful POST /execute. ExitCode is
// null when the run timed out.
type ExecuteResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  *int   `json:"exitCode"`
	TimedOut  bool   `json:"timedOut"`
	Truncated bool   `json:"truncated,omitempty"`
}

// NewExecuteResponse converts an executor result to its wire form
func NewExecuteResponse(result sandbox.ExecuteResult) ExecuteResponse {
	return ExecuteResponse{
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		TimedOut:  result.TimedOut,
		Truncated: result.Truncated,
	}
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execute request body", zap.Error(err))
		writeJSON(h.logger, w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.exec.Execute(r.Context(), sandbox.ExecuteRequest{
		Language: req.Language,
		Code:     req.Code,
	})
	if err != nil {
		h.logger.Error("execution request failed",
			zap.String("language", req.Language),
			zap.String("reason", string(result.FailureReason)),
			zap.Error(err))
		writeError(h.logger, w, err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, NewExecuteResponse(result))
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]string{"status": "healthy"})
}

type debugFile struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
	Size int64  `json:"size"`
}

type debugResponse struct {
	Root        string      `json:"root"`
	Exists      bool        `json:"exists"`
	Permissions string      `json:"permissions,omitempty"`
	Files       []debugFile `json:"files"`
}

// handleDebug lists the workspace root so stuck or leaked workspaces can be spotted.
func (h *handler) handleDebug(w http.ResponseWriter, _ *http.Request) {
	resp := debugResponse{Root: h.workspaceRoot, Files: []debugFile{}}

	info, err := os.Stat(h.workspaceRoot)
	if os.IsNotExist(err) {
		writeJSON(h.logger, w, http.StatusOK, resp)
		return
	}
	if err != nil {
		h.logger.Error("failed to stat workspace root", zap.Error(err))
		writeJSON(h.logger, w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	resp.Exists = true
	resp.Permissions = fmt.Sprintf("%#o", info.Mode().Perm())

	entries, err := os.ReadDir(h.workspaceRoot)
	if err != nil {
		h.logger.Error("failed to list workspace root", zap.Error(err))
		writeJSON(h.logger, w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue // removed while listing
		}
		resp.Files = append(resp.Files, debugFile{
			Name: entry.Name(),
			Mode: fi.Mode().String(),
			Size: fi.Size(),
		})
	}

	writeJSON(h.logger, w, http.StatusOK, resp)
}
