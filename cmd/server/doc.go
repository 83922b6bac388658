// Package main is the entry point for the sandboxd server.
//
// Configuration is read from config.yaml (in . or ./config) or the file named
// by SANDBOXD_CONFIG, with SANDBOXD_* environment overrides, for example:
//
//	SANDBOXD_SERVER_HTTP_PORT=8080 SANDBOXD_SANDBOX_BACKEND=podman sandboxd
//
// With server.transport=http the REST API listens on server.http_port and the
// MCP endpoint is mounted at /mcp. With server.transport=stdio the process
// speaks MCP on stdin/stdout and logs to stderr.
package main
