// Package httpserver exposes the sandbox executor over HTTP.
//
// Routes:
//
//	POST /execute  run {language, code} and return {stdout, stderr, exitCode, timedOut}
//	GET  /health   liveness probe
//	GET  /debug    workspace root listing (only when server.enable_debug is set)
//	     /mcp      MCP streamable HTTP endpoint (when server.enable_mcp is set)
package httpserver
