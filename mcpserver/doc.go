// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// execute_code tool. The tool's language enum is built from the configured
// language table, and its result text is the same JSON object the REST
// endpoint returns.
//
// The server runs either on stdio or mounted on the HTTP router at /mcp, as
// selected by server.transport.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, sandboxExecutor)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or router.Handle("/mcp", server.HTTPHandler())
package mcpserver
