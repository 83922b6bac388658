package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/sandbox"
)

// Server is the REST front end of the executor.
type Server struct {
	logger     *zap.Logger
	cfg        *config.Config
	router     *chi.Mux
	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server and registers its routes. mcpHandler is mounted at
// /mcp when non-nil and server.enable_mcp is set.
func New(cfg *config.Config, logger *zap.Logger, exec sandbox.SandboxExecutor, mcpHandler http.Handler) *Server {
	s := &Server{
		logger: logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}

	h := &handler{
		logger:        logger,
		exec:          exec,
		workspaceRoot: cfg.Sandbox.WorkspaceRoot,
		maxBodyBytes:  int64(cfg.Server.MaxBodyKB) * sandbox.BytesPerKB,
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(requestLogger(logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Post("/execute", h.handleExecute)
	s.router.Get("/health", h.handleHealth)

	if cfg.Server.EnableDebug {
		logger.Warn("debug endpoint enabled", zap.String("path", "/debug"))
		s.router.Get("/debug", h.handleDebug)
	}

	if cfg.Server.EnableMCP && mcpHandler != nil {
		s.router.Handle("/mcp", mcpHandler)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listening socket and serves in the background.
// Bind errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}
