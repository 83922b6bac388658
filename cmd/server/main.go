package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/httpserver"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/sandbox"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newExecutor,
			func(e *sandbox.Executor) sandbox.SandboxExecutor { return e },
			mcpserver.New,
			newHTTPServer,
		),

		fx.Invoke(syncLoggerOnStop, logStartup, runTransport),

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)

	app.Run()
}

// newExecutor builds the executor and closes its backend on shutdown.
func newExecutor(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*sandbox.Executor, error) {
	executor, err := sandbox.NewExecutorFromConfig(log, cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := executor.Ping(ctx); err != nil {
				// Requests fail with BackendUnavailable until the runtime comes back.
				log.Warn("sandbox backend not reachable", zap.String("backend", cfg.Sandbox.Backend), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return executor.Close()
		},
	})

	return executor, nil
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, exec sandbox.SandboxExecutor, mcp *mcpserver.MCPServer) *httpserver.Server {
	var mcpHandler http.Handler
	if cfg.Server.EnableMCP {
		mcpHandler = mcp.HTTPHandler()
	}
	return httpserver.New(cfg, log, exec, mcpHandler)
}

func logStartup(cfg *config.Config, log *zap.Logger, executor *sandbox.Executor) {
	log.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.String("sandbox.workspace_root", executor.WorkspaceRoot()),
		zap.Strings("languages", executor.Languages()))

	if cfg.Logging.Mode == "development" {
		if dump, err := cfg.YAML(); err == nil {
			log.Debug("effective configuration\n" + dump)
		}
	}
}

// runTransport starts the transport selected by server.transport.
func runTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger,
	mcp *mcpserver.MCPServer, srv *httpserver.Server,
) {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcp.ServeStdio(); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case "http":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return srv.Start()
			},
			OnStop: func(ctx context.Context) error {
				timeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return srv.Shutdown(ctx)
			},
		})
	}
}

// syncLoggerOnStop flushes buffered log entries after every other hook has stopped.
func syncLoggerOnStop(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return logger.Sync(log)
		},
	})
}
