package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  3000,
			MaxBodyKB: 256,
		},
		Sandbox: SandboxConfig{
			Backend:           BackendDocker,
			TimeoutSec:        5,
			MemoryMB:          100,
			CPUShares:         1024,
			PidsLimit:         64,
			MaxOutputKB:       1024,
			PullPolicy:        PullMissing,
			CleanupTimeoutSec: 10,
			PodmanBinary:      "podman",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Languages: map[string]Language{
			"python": {
				Image:    "python:3.12-alpine",
				Command:  []string{"python3", "-u"},
				FileName: "main.py",
			},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "invalid" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"InvalidSandboxTimeout", func(c *Config) { c.Sandbox.TimeoutSec = 0 }, "sandbox.timeout_sec must be positive"},
		{"InvalidSandboxMemory", func(c *Config) { c.Sandbox.MemoryMB = 0 }, "sandbox.memory_mb must be positive"},
		{"InvalidCPUShares", func(c *Config) { c.Sandbox.CPUShares = 1 }, "sandbox.cpu_shares must be at least 2"},
		{"InvalidCleanupTimeout", func(c *Config) { c.Sandbox.CleanupTimeoutSec = 0 }, "sandbox.cleanup_timeout_sec must be positive"},
		{"EmptyPodmanBinary", func(c *Config) {
			c.Sandbox.Backend = BackendPodman
			c.Sandbox.PodmanBinary = ""
		}, "sandbox.podman_binary must not be empty"},
		{"InvalidMaxOutput", func(c *Config) { c.Sandbox.MaxOutputKB = 0 }, "sandbox.max_output_kb must be positive"},
		{"NegativeMaxConcurrent", func(c *Config) { c.Sandbox.MaxConcurrent = -1 }, "sandbox.max_concurrent must not be negative"},
		{"InvalidPullPolicy", func(c *Config) { c.Sandbox.PullPolicy = "sometimes" }, "invalid sandbox.pull_policy"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "invalid_mode" }, "invalid logging.mode"},
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "invalid_level" }, "invalid logging.level"},
		{"NoLanguages", func(c *Config) { c.Languages = nil }, "at least one language"},
		{"EmptyCommand", func(c *Config) {
			c.Languages["python"] = Language{Image: "python:3.12-alpine", FileName: "main.py"}
		}, "languages.python.command must not be empty"},
		{"FileNameWithPath", func(c *Config) {
			c.Languages["python"] = Language{Image: "python:3.12-alpine", Command: []string{"python3"}, FileName: "../main.py"}
		}, "must be a plain file name"},
		{"MalformedEnvironment", func(c *Config) {
			c.Languages["python"] = Language{Image: "python:3.12-alpine", Command: []string{"python3"}, FileName: "main.py", Environment: []string{"NOVALUE"}}
		}, "must be KEY=VALUE"},
		{"MissingImageForContainerBackend", func(c *Config) {
			c.Languages["python"] = Language{Command: []string{"python3"}, FileName: "main.py"}
		}, "languages.python.image is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("ValidBackendWhenProcessEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = BackendProcess
		cfg.Sandbox.EnableProcessBackend = true
		cfg.Languages["python"] = Language{Command: []string{"python3"}, FileName: "main.py"}

		require.NoError(t, cfg.validate())
	})

	t.Run("InvalidBackendWhenProcessNotEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = BackendProcess

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.backend")
	})
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 3000, cfg.Server.HTTPPort)
	assert.False(t, cfg.Server.EnableDebug)
	assert.Equal(t, BackendDocker, cfg.Sandbox.Backend)
	assert.Equal(t, 5, cfg.Sandbox.TimeoutSec)
	assert.Equal(t, 100, cfg.Sandbox.MemoryMB)
	assert.Equal(t, 1024, cfg.Sandbox.CPUShares)
	assert.Equal(t, 10, cfg.Sandbox.CleanupTimeoutSec)
	assert.Equal(t, "podman", cfg.Sandbox.PodmanBinary)
	assert.Empty(t, cfg.Sandbox.ProcessPath)
	assert.NotEmpty(t, cfg.Sandbox.WorkspaceRoot)
	assert.Equal(t, []string{"javascript", "python"}, cfg.LanguageNames())
	assert.Equal(t, []string{"python3", "-u"}, cfg.Languages["python"].Command)
	assert.Equal(t, "main.js", cfg.Languages["javascript"].FileName)
	assert.Equal(t, []string{"PYTHONDONTWRITEBYTECODE=1"}, cfg.Languages["python"].Environment)
	assert.Equal(t, 5*time.Second, cfg.GetTimeout())
}

func TestLoadFile(t *testing.T) {
	fixture := map[string]any{
		"sandbox": map[string]any{
			"backend":                "process",
			"enable_process_backend": true,
			"timeout_sec":            2,
			"workspace_root":         t.TempDir(),
		},
		"logging": map[string]any{"mode": "development", "level": "debug"},
	}
	data, err := yaml.Marshal(fixture)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendProcess, cfg.Sandbox.Backend)
	assert.Equal(t, 2, cfg.Sandbox.TimeoutSec)
	assert.Equal(t, "development", cfg.Logging.Mode)
	// defaults survive a partial file
	assert.Equal(t, 100, cfg.Sandbox.MemoryMB)
	assert.Contains(t, cfg.Languages, "python")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  timeout_sec: -1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox.timeout_sec must be positive")
}

func TestConfigYAML(t *testing.T) {
	out, err := validConfig().YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "backend: docker")
	assert.Contains(t, out, "file_name: main.py")
}
