package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plugin-runner/pkg/config"
	"github.com/polisai/plugin-runner/pkg/protocol"
	"github.com/polisai/plugin-runner/pkg/runner"
)

// startRunner serves a session with no modules on a loopback listener.
func startRunner(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultRunnerConfig()
	cfg.Modules.Root = t.TempDir()
	cfg.Modules.ShadowDir = t.TempDir()
	cfg.Modules.Watch = false
	cfg.Metadata.CacheDir = t.TempDir()
	cfg.Metadata.Preload = false

	ctx, cancel := context.WithCancel(context.Background())
	session, err := runner.NewSession(ctx, runner.SessionOptions{Config: cfg})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := runner.NewServer(session, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = session.Close()
	})
	return "tcp://" + ln.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHealthCommand(t *testing.T) {
	addr := startRunner(t)
	out, err := run(t, "--address", addr, "health")
	require.NoError(t, err)

	var resp protocol.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, protocol.StatusReady, resp.Status)
}

func TestInitFromWorkspaceFileAndReset(t *testing.T) {
	addr := startRunner(t)
	path := filepath.Join(t.TempDir(), "workspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment:
  org_url: https://contoso.crm.example.com
  execution_mode: Offline
manifest:
  modules: []
`), 0o600))

	out, err := run(t, "--address", addr, "init", "--file", path)
	require.NoError(t, err)
	var resp protocol.InitWorkspaceResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, protocol.StatusReady, resp.Status)

	out, err = run(t, "--address", addr, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Session reset")
}

func TestInitRejectedIsError(t *testing.T) {
	addr := startRunner(t)
	_, err := run(t, "--address", addr, "init", "--org", "https://contoso.crm.example.com", "--mode", "Offline", "--module", "missing.so")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Assembly not found")
}

func TestLogConfigCommand(t *testing.T) {
	addr := startRunner(t)
	out, err := run(t, "--address", addr, "log-config", "--level", "warn", "--max", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "capacity=50")

	_, err = run(t, "--address", addr, "log-config", "--level", "shouting")
	assert.Error(t, err)
}

func TestExecuteOfflineUnsupportedRoute(t *testing.T) {
	addr := startRunner(t)
	_, err := run(t, "--address", addr, "init", "--org", "https://contoso.crm.example.com", "--mode", "Offline")
	require.NoError(t, err)

	out, err := run(t, "--address", addr, "execute", "--url", "https://contoso.crm.example.com/web/main.aspx")
	require.NoError(t, err)
	assert.Contains(t, out, `"statusCode": 501`)
}

func TestUnreachableRunner(t *testing.T) {
	_, err := run(t, "--address", "unix://"+filepath.Join(t.TempDir(), "none.sock"), "health")
	assert.Error(t, err)
}
