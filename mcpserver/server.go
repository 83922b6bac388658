// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox executor as the execute_code
// tool. It uses the mark3labs/mcp-go library to handle the protocol details.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/sandbox"
)

// Server identity reported during MCP initialization
const (
	ServerName    = "sandboxd"
	ServerVersion = "1.0.0"
)

// ToolName is the name of the code execution tool
const ToolName = "execute_code"

// MCPServer represents the MCP server
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	sandboxExec sandbox.SandboxExecutor
	mcpServer   *server.MCPServer
}

// toolResult is the JSON text returned by a successful tool call.
type toolResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, sandboxExec sandbox.SandboxExecutor) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger.Named("mcp"),
		sandboxExec: sandboxExec,
	}

	s.mcpServer = server.NewMCPServer(ServerName, ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery())

	s.registerExecuteCodeTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Execute untrusted code in a sandbox with no network access and a "+
			fmt.Sprintf("%d second time limit. Returns stdout, stderr, exitCode and timedOut.", s.config.Sandbox.TimeoutSec)),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Runtime language"),
			mcp.Enum(s.config.LanguageNames()...)),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Source code to run")),
	)

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language parameter is required"), nil
	}

	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code parameter is required"), nil
	}

	s.logger.Info("code execution requested", zap.String("language", language), zap.Int("code_bytes", len(code)))

	result, err := s.sandboxExec.Execute(ctx, sandbox.ExecuteRequest{
		Language: language,
		Code:     code,
	})
	if err != nil {
		s.logger.Error("sandbox execution failed",
			zap.String("language", language),
			zap.String("reason", string(result.FailureReason)),
			zap.Error(err))
		return mcp.NewToolResultError(errorMessage(err)), nil
	}

	text, err := json.Marshal(toolResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return mcp.NewToolResultText(string(text)), nil
}

func errorMessage(err error) string {
	if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
		return "Unsupported language"
	}
	var sbErr *sandbox.Error
	if errors.As(err, &sbErr) {
		return "Execution failed: " + sbErr.Message
	}
	return "Execution failed"
}

// ServeStdio starts the server on stdio and blocks until stdin closes
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP transport for mounting on a router
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
