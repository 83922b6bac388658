// Package config provides application configuration management.
//
// The config package loads the sandboxd configuration from a YAML file and
// SANDBOXD_* environment variables using viper, applies defaults and
// validates the result. It covers the HTTP/MCP server, the sandbox engine
// (backend, deadline, resource limits, workspace root) and the language
// table that binds each supported language to its image and interpreter.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
