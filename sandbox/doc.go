// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. Each request gets its own workspace, runs
// under one isolation backend (Docker, Podman or a plain child process for
// development) and is supervised against a wall-clock deadline. Output is
// captured, bounded and sanitized before it is returned.
//
// Usage:
//
//	executor, err := sandbox.NewExecutorFromConfig(logger, cfg)
//	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
package sandbox
