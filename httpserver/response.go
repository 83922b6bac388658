package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/sandbox"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// writeError maps executor errors to status codes. Only the caller-safe
// message of a *sandbox.Error is exposed, never its cause.
func writeError(logger *zap.Logger, w http.ResponseWriter, err error) {
	if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
		writeJSON(logger, w, http.StatusBadRequest, errorResponse{Error: "Unsupported language"})
		return
	}

	var sbErr *sandbox.Error
	if errors.As(err, &sbErr) {
		writeJSON(logger, w, http.StatusInternalServerError, errorResponse{Error: sbErr.Message})
		return
	}

	writeJSON(logger, w, http.StatusInternalServerError, errorResponse{Error: "An internal error occurred"})
}
