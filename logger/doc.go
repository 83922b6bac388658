// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger used across sandboxd. Production
// mode emits JSON with ISO-8601 timestamps, development mode a colored
// console encoder.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("sandbox ready", zap.String("backend", "docker"))
package logger
