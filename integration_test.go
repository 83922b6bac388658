package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/httpserver"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/sandbox"
)

type executeResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
	Error    string `json:"error"`
}

// loadConfig loads defaults plus SANDBOXD_* overrides from an empty directory.
func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("SANDBOXD_SANDBOX_WORKSPACE_ROOT", t.TempDir())
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.New()
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *sandbox.Executor) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	executor, err := sandbox.NewExecutorFromConfig(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = executor.Close() })

	mcp, err := mcpserver.New(cfg, logger, executor)
	require.NoError(t, err)

	srv := httptest.NewServer(httpserver.New(cfg, logger, executor, mcp.HTTPHandler()).Handler())
	t.Cleanup(srv.Close)
	return srv, executor
}

func execute(t *testing.T, srv *httptest.Server, language, code string) (int, executeResponse) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"language": language, "code": code})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}

func assertWorkspacesRemoved(t *testing.T, executor *sandbox.Executor) {
	t.Helper()
	entries, err := os.ReadDir(executor.WorkspaceRoot())
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// runScenarios drives the four reference scenarios through the REST API.
func runScenarios(t *testing.T, srv *httptest.Server, executor *sandbox.Executor, timeout time.Duration) {
	t.Run("python hello world", func(t *testing.T) {
		status, out := execute(t, srv, "python", "print('Hello, World!')")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Hello, World!", out.Stdout)
		assert.Empty(t, out.Stderr)
		require.NotNil(t, out.ExitCode)
		assert.Equal(t, 0, *out.ExitCode)
		assert.False(t, out.TimedOut)
	})

	t.Run("javascript infinite loop times out", func(t *testing.T) {
		start := time.Now()
		status, out := execute(t, srv, "javascript", "while(true){}")
		elapsed := time.Since(start)

		require.Equal(t, http.StatusOK, status)
		assert.True(t, out.TimedOut)
		assert.Nil(t, out.ExitCode)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+5*time.Second)
	})

	t.Run("unsupported language", func(t *testing.T) {
		status, out := execute(t, srv, "ruby", "puts 'hi'")
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "Unsupported language", out.Error)
	})

	t.Run("python runtime error", func(t *testing.T) {
		status, out := execute(t, srv, "python", "1/0")
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, out.Stderr, "ZeroDivisionError")
		require.NotNil(t, out.ExitCode)
		assert.Equal(t, 1, *out.ExitCode)
	})

	assertWorkspacesRemoved(t, executor)
}

func TestProcessBackendScenarios(t *testing.T) {
	requireBinary(t, "python3")
	requireBinary(t, "node")

	cfg := loadConfig(t, map[string]string{
		"SANDBOXD_SANDBOX_BACKEND":                "process",
		"SANDBOXD_SANDBOX_ENABLE_PROCESS_BACKEND": "true",
		"SANDBOXD_SANDBOX_TIMEOUT_SEC":            "2",
		// V8 reserves far more address space than a container cgroup would account.
		"SANDBOXD_SANDBOX_MEMORY_MB": "4096",
	})
	srv, executor := newTestServer(t, cfg)

	runScenarios(t, srv, executor, cfg.GetTimeout())
}

func TestDockerBackendScenarios(t *testing.T) {
	if os.Getenv("SANDBOXD_DOCKER_TESTS") == "" {
		t.Skip("set SANDBOXD_DOCKER_TESTS=1 to run against a Docker daemon")
	}

	cfg := loadConfig(t, map[string]string{"SANDBOXD_SANDBOX_TIMEOUT_SEC": "2"})
	srv, executor := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := executor.Ping(ctx); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	// Pull images up front so the timeout scenario measures execution only.
	for _, lang := range []string{"python", "javascript"} {
		_, _ = execute(t, srv, lang, "")
	}

	runScenarios(t, srv, executor, cfg.GetTimeout())
}

func TestHealthEndpoint(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"SANDBOXD_SANDBOX_BACKEND":                "process",
		"SANDBOXD_SANDBOX_ENABLE_PROCESS_BACKEND": "true",
	})
	srv, _ := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}
