package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/server"
	"github.com/xuxu777xu/CodePilot-sub000/internal/storage"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// TestServer wraps a server instance for testing
type TestServer struct {
	Server  *server.Server
	BaseURL string
	Config  *types.Config
	Audit   storage.AuditStore
	Notes   *event.Bus
	TempDir string
	WorkDir string
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	workDir     string
	envFile     string
	script      string
	stream      types.StreamConfig
	permission  types.PermissionConfig
	auditDriver string
}

// WithWorkDir sets the working directory
func WithWorkDir(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.workDir = dir
	}
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithScript replaces the scenario document played by the agent.
func WithScript(yaml string) TestServerOption {
	return func(c *testServerConfig) {
		c.script = yaml
	}
}

// WithStream overrides the turn supervision timings.
func WithStream(stream types.StreamConfig) TestServerOption {
	return func(c *testServerConfig) {
		c.stream = stream
	}
}

// WithPermissionRules sets allow and deny rules.
func WithPermissionRules(allow, deny []string) TestServerOption {
	return func(c *testServerConfig) {
		c.permission.Allow = allow
		c.permission.Deny = deny
	}
}

// WithAuditDriver selects the audit store ("file" or "sqlite").
func WithAuditDriver(driver string) TestServerOption {
	return func(c *testServerConfig) {
		c.auditDriver = driver
	}
}

// FastStream returns timings short enough for tests: a 2s idle timeout and
// a 1s tool stall threshold.
func FastStream() types.StreamConfig {
	return types.StreamConfig{
		IdleTimeout:      types.Duration(2 * time.Second),
		WatchdogInterval: types.Duration(50 * time.Millisecond),
		ToolTimeout:      types.Duration(time.Second),
		RetryDelay:       types.Duration(20 * time.Millisecond),
		GracePeriod:      types.Duration(time.Minute),
		PermissionSettle: types.Duration(50 * time.Millisecond),
	}
}

// StartTestServer creates and starts a test server running the scripted agent
// on a free port.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{
		script:      DefaultScript,
		stream:      FastStream(),
		auditDriver: storage.DriverFile,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// Load environment variables
	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
		_ = godotenv.Load(".env")
	}
	if os.Getenv("CITEST_LOGS") == "" {
		logging.Discard()
	}

	tempDir, err := os.MkdirTemp("", "codepilot-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	workDir := cfg.workDir
	if workDir == "" {
		workDir = filepath.Join(tempDir, "work")
		if err := os.MkdirAll(workDir, 0755); err != nil {
			os.RemoveAll(tempDir)
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}

	scriptPath := filepath.Join(tempDir, "scenarios.yaml")
	if err := os.WriteFile(scriptPath, []byte(cfg.script), 0644); err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	permission := cfg.permission
	if permission.Timeout == 0 {
		permission.Timeout = types.Duration(10 * time.Second)
	}
	appConfig := &types.Config{
		Agent:      types.AgentConfig{Kind: "script", ScriptPath: scriptPath},
		Stream:     cfg.stream,
		Permission: permission,
		Audit:      types.AuditConfig{Driver: cfg.auditDriver},
	}

	ctx := context.Background()

	audit, err := storage.OpenAudit(ctx, cfg.auditDriver, "", filepath.Join(tempDir, "data"))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	notes := event.NewBus()

	serverConfig := server.DefaultConfig()
	serverConfig.Hostname = "127.0.0.1"
	serverConfig.Port = 0
	serverConfig.Directory = workDir

	srv, err := server.New(serverConfig, appConfig, server.Deps{Audit: audit, Notes: notes})
	if err != nil {
		audit.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Recover(ctx); err != nil {
		audit.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to recover: %w", err)
	}

	l, err := srv.Listen()
	if err != nil {
		audit.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		_ = srv.Serve(l)
	}()

	baseURL := srv.URL()
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		srv.Shutdown(ctx)
		audit.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		Server:  srv,
		BaseURL: baseURL,
		Config:  appConfig,
		Audit:   audit,
		Notes:   notes,
		TempDir: tempDir,
		WorkDir: workDir,
	}, nil
}

// Stop shuts down the test server and cleans up
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if ts.Server != nil {
		err = ts.Server.Shutdown(ctx)
	}
	if ts.Notes != nil {
		ts.Notes.Close()
	}
	if ts.Audit != nil {
		ts.Audit.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
