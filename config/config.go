package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server" yaml:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox" yaml:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Languages map[string]Language `mapstructure:"languages" yaml:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport          string `mapstructure:"transport" yaml:"transport"`
	HTTPPort           int    `mapstructure:"http_port" yaml:"http_port"`
	EnableDebug        bool   `mapstructure:"enable_debug" yaml:"enable_debug"`
	EnableMCP          bool   `mapstructure:"enable_mcp" yaml:"enable_mcp"`
	MaxBodyKB          int    `mapstructure:"max_body_kb" yaml:"max_body_kb"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend              string `mapstructure:"backend" yaml:"backend"`
	EnableProcessBackend bool   `mapstructure:"enable_process_backend" yaml:"enable_process_backend"`
	TimeoutSec           int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MemoryMB             int    `mapstructure:"memory_mb" yaml:"memory_mb"`
	CPUShares            int    `mapstructure:"cpu_shares" yaml:"cpu_shares"`
	PidsLimit            int    `mapstructure:"pids_limit" yaml:"pids_limit"`
	MaxOutputKB          int    `mapstructure:"max_output_kb" yaml:"max_output_kb"`
	WorkspaceRoot        string `mapstructure:"workspace_root" yaml:"workspace_root"`
	MaxConcurrent        int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	PullPolicy           string `mapstructure:"pull_policy" yaml:"pull_policy"`
	CopyWorkspace        bool   `mapstructure:"copy_workspace" yaml:"copy_workspace"`
	ContainerUser        string `mapstructure:"container_user" yaml:"container_user"`
	CleanupTimeoutSec    int    `mapstructure:"cleanup_timeout_sec" yaml:"cleanup_timeout_sec"`
	PodmanBinary         string `mapstructure:"podman_binary" yaml:"podman_binary"`
	ProcessPath          string `mapstructure:"process_path" yaml:"process_path"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// Language binds a language name to the runtime that executes it.
// Image is used by container backends, Command by every backend.
// Environment entries are KEY=VALUE strings; viper lower-cases map keys,
// which would mangle variable names.
type Language struct {
	Image       string   `mapstructure:"image" yaml:"image"`
	Command     []string `mapstructure:"command" yaml:"command"`
	FileName    string   `mapstructure:"file_name" yaml:"file_name"`
	Environment []string `mapstructure:"environment" yaml:"environment,omitempty"`
}

// Backend names
const (
	BackendDocker  = "docker"
	BackendPodman  = "podman"
	BackendProcess = "process"
)

// Image pull policies for container backends
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// New loads and validates the application configuration.
// SANDBOXD_CONFIG points at an explicit file; otherwise config.yaml is
// searched in . and ./config.
func New() (*Config, error) {
	return Load(os.Getenv("SANDBOXD_CONFIG"))
}

// Load reads the configuration from path, or from the default search
// locations when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Sandbox.WorkspaceRoot == "" {
		config.Sandbox.WorkspaceRoot = filepath.Join(os.TempDir(), "sandboxd")
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 3000)
	v.SetDefault("server.enable_debug", false)
	v.SetDefault("server.enable_mcp", true)
	v.SetDefault("server.max_body_kb", 256)
	v.SetDefault("server.shutdown_timeout_sec", 30)

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.enable_process_backend", false)
	v.SetDefault("sandbox.timeout_sec", 5)
	v.SetDefault("sandbox.memory_mb", 100)
	v.SetDefault("sandbox.cpu_shares", 1024)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.workspace_root", "")
	v.SetDefault("sandbox.max_concurrent", 0)
	v.SetDefault("sandbox.pull_policy", PullMissing)
	v.SetDefault("sandbox.copy_workspace", false)
	v.SetDefault("sandbox.container_user", "nobody")
	v.SetDefault("sandbox.cleanup_timeout_sec", 10)
	v.SetDefault("sandbox.podman_binary", "podman")
	v.SetDefault("sandbox.process_path", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	// Python defaults
	v.SetDefault("languages.python.image", "python:3.12-alpine")
	v.SetDefault("languages.python.command", []string{"python3", "-u"})
	v.SetDefault("languages.python.file_name", "main.py")
	v.SetDefault("languages.python.environment", []string{"PYTHONDONTWRITEBYTECODE=1"})

	// JavaScript defaults
	v.SetDefault("languages.javascript.image", "node:20-alpine")
	v.SetDefault("languages.javascript.command", []string{"node"})
	v.SetDefault("languages.javascript.file_name", "main.js")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUShares < 2 {
		return fmt.Errorf("sandbox.cpu_shares must be at least 2, got: %d", c.Sandbox.CPUShares)
	}

	if c.Sandbox.CleanupTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.cleanup_timeout_sec must be positive, got: %d", c.Sandbox.CleanupTimeoutSec)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative, got: %d", c.Sandbox.MaxConcurrent)
	}

	supportedBackends := map[string]bool{
		BackendDocker:  true,
		BackendPodman:  true,
		BackendProcess: c.Sandbox.EnableProcessBackend, // process only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	switch c.Sandbox.PullPolicy {
	case PullMissing, PullAlways, PullNever:
	default:
		return fmt.Errorf("invalid sandbox.pull_policy: %s", c.Sandbox.PullPolicy)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.Backend == BackendPodman && c.Sandbox.PodmanBinary == "" {
		return fmt.Errorf("sandbox.podman_binary must not be empty")
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	for name, lang := range c.Languages {
		if len(lang.Command) == 0 {
			return fmt.Errorf("languages.%s.command must not be empty", name)
		}
		if lang.FileName == "" || lang.FileName != filepath.Base(lang.FileName) {
			return fmt.Errorf("languages.%s.file_name must be a plain file name, got: %q", name, lang.FileName)
		}
		for _, kv := range lang.Environment {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("languages.%s.environment entry %q must be KEY=VALUE", name, kv)
			}
		}
		if c.Sandbox.Backend != BackendProcess && lang.Image == "" {
			return fmt.Errorf("languages.%s.image is required for the %s backend", name, c.Sandbox.Backend)
		}
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// LanguageNames returns the configured language names in sorted order.
func (c *Config) LanguageNames() []string {
	names := make([]string, 0, len(c.Languages))
	for name := range c.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// YAML renders the effective configuration.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("error marshaling config: %w", err)
	}
	return string(out), nil
}
