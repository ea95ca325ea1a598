package runner

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plugin-runner/pkg/client"
	"github.com/polisai/plugin-runner/pkg/config"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/protocol"
	"github.com/polisai/plugin-runner/pkg/sdk"
	"github.com/polisai/plugin-runner/pkg/workspace"
)

const contoso = "https://contoso.crm.example.com"

func register(r *sdk.Registry) {
	r.RegisterType("Contoso.Echo", sdk.Constructors{WithConfig: func(cfg string) (sdk.Plugin, error) {
		return sdk.PluginFunc(func(_ context.Context, sp sdk.ServiceProvider) error {
			sp.Tracing().Trace("echo %s", cfg)
			sp.Context().OutputParameters["echo"] = cfg
			sp.Context().SharedVariables["seen"] = true
			return nil
		}), nil
	}})
	r.RegisterType("Contoso.Escalate", sdk.Constructors{Default: func() (sdk.Plugin, error) {
		return sdk.PluginFunc(func(ctx context.Context, sp sdk.ServiceProvider) error {
			_, err := sp.OrganizationService(nil).Execute(ctx, &sdk.OrganizationRequest{RequestName: "new_Escalate"})
			return err
		}), nil
	}})
	r.RegisterType("Contoso.Chatty", sdk.Constructors{Default: func() (sdk.Plugin, error) {
		return sdk.PluginFunc(func(_ context.Context, sp sdk.ServiceProvider) error {
			for i := range 5 {
				sp.Tracing().Trace("line %d", i)
			}
			return nil
		}), nil
	}})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.Chatty", MessageName: "Create", EntityName: "account", Stage: sdk.StagePostOperation})
}

type harness struct {
	session *Session
	client  *client.Client
	server  *Server
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "contoso.so"), []byte("module"), 0o600))
	opener := loader.NewStaticOpener()
	opener.Add("contoso.so", register)

	cfg := config.DefaultRunnerConfig()
	cfg.Modules.Root = root
	cfg.Modules.ShadowDir = t.TempDir()
	cfg.Modules.Watch = false
	cfg.Metadata.CacheDir = t.TempDir()
	cfg.Metadata.Preload = false
	cfg.Trace.DeltaBatchSize = 2
	cfg.Trace.DeltaInterval = 0

	ctx, cancel := context.WithCancel(context.Background())
	session, err := NewSession(ctx, SessionOptions{Config: cfg, Opener: opener})
	require.NoError(t, err)

	h := &harness{session: session, server: NewServer(session, nil), cancel: cancel}
	h.client = h.connect(ctx)
	t.Cleanup(func() {
		_ = h.client.Close()
		cancel()
		_ = session.Close()
	})
	return h
}

func (h *harness) connect(ctx context.Context) *client.Client {
	a, b := net.Pipe()
	go h.server.ServeConn(ctx, a)
	return client.New(b, client.Options{})
}

func (h *harness) init(t *testing.T, modules ...string) *protocol.InitWorkspaceResponse {
	t.Helper()
	manifest := domain.Manifest{}
	for _, m := range modules {
		manifest.Modules = append(manifest.Modules, domain.ModuleSpec{Path: m})
	}
	resp, err := h.client.InitWorkspace(context.Background(), domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"}, manifest)
	require.NoError(t, err)
	return resp
}

func pluginRequest(typeName string) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		AssemblyPath:      "contoso.so",
		TypeName:          typeName,
		MessageName:       "Create",
		PrimaryEntityName: "account",
		Stage:             "PostOperation",
		ExecutionMode:     "Offline",
		TargetJSON:        `{"name":"Contoso"}`,
	}
}

func TestHealthBeforeWorkspace(t *testing.T) {
	h := newHarness(t)
	resp, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReady, resp.Status)
	assert.Equal(t, "No workspace initialized", resp.Message)
	assert.True(t, resp.Capabilities.TraceStreaming)
}

func TestInitWorkspace(t *testing.T) {
	t.Run("empty manifest", func(t *testing.T) {
		h := newHarness(t)
		resp := h.init(t)
		assert.Equal(t, protocol.StatusReady, resp.Status)
		assert.Contains(t, resp.Message, workspace.ValidatedMessage)
		assert.Empty(t, resp.Types)
		assert.Empty(t, resp.Steps)
		assert.NotNil(t, resp.Types)
	})

	t.Run("catalog", func(t *testing.T) {
		h := newHarness(t)
		resp := h.init(t, "contoso.so")
		assert.Equal(t, protocol.StatusReady, resp.Status)
		assert.ElementsMatch(t, []string{"Contoso.Echo", "Contoso.Escalate", "Contoso.Chatty"}, resp.Types)
		require.Len(t, resp.Steps, 1)
		assert.Equal(t, "Contoso.Chatty", resp.Steps[0].TypeName)
		assert.Equal(t, int(sdk.StagePostOperation), resp.Steps[0].Stage)

		health, err := h.client.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusReady, health.Status)
		assert.Contains(t, health.Message, contoso)
	})

	t.Run("missing module", func(t *testing.T) {
		h := newHarness(t)
		resp := h.init(t, "missing.so")
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Contains(t, resp.Message, "Assembly not found")
		assert.Contains(t, resp.Message, "missing.so")
	})
}

func TestExecutePlugin(t *testing.T) {
	h := newHarness(t)
	h.init(t, "contoso.so")

	req := pluginRequest("Contoso.Echo")
	req.UnsecureConfig = "cfg"
	resp, err := h.client.ExecutePlugin(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "cfg", resp.OutputParameters["echo"])
	assert.Equal(t, true, resp.SharedVariables["seen"])
	assert.Contains(t, resp.Trace, "echo cfg")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.session.Metrics().pluginExecutions.WithLabelValues("Contoso.Echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.session.Metrics().commandsTotal.WithLabelValues(protocol.CmdExecutePlugin, "Success")))
}

func TestExecutePluginInvalidModeKeepsRunnerHealthy(t *testing.T) {
	h := newHarness(t)
	h.init(t, "contoso.so")

	req := pluginRequest("Contoso.Echo")
	req.ExecutionMode = "NotValid"
	resp, err := h.client.ExecutePlugin(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "ExecutionMode")
	assert.Contains(t, resp.Message, "Offline, Hybrid, Online")

	health, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReady, health.Status)
}

func TestExecutePluginOfflineCapabilityFault(t *testing.T) {
	h := newHarness(t)
	h.init(t, "contoso.so")

	resp, err := h.client.ExecutePlugin(context.Background(), pluginRequest("Contoso.Escalate"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, domain.CodeModuleFault, resp.Code)
	assert.Contains(t, resp.Message, "Offline")
	assert.Contains(t, resp.Message, "new_Escalate")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.session.Metrics().capabilityFaults.WithLabelValues("new_Escalate")))
}

func TestExecuteStreamsTraceDeltas(t *testing.T) {
	h := newHarness(t)
	h.init(t, "contoso.so")

	res, err := h.client.Execute(context.Background(), protocol.ExecuteRequest{
		Request: domain.HTTPRequest{Method: "POST", URL: contoso + "/api/data/v9.2/accounts", Body: `{"name":"Contoso"}`},
	})
	require.NoError(t, err)
	assert.Equal(t, 204, res.Response.StatusCode)
	assert.NotEmpty(t, res.Response.Headers["OData-EntityId"])

	for i := range 5 {
		assert.Contains(t, res.Trace, fmt.Sprintf("line %d", i))
	}
	assert.GreaterOrEqual(t, res.Deltas, 2)
	assert.Equal(t, res.Trace, res.DeltaLines)
	assert.Equal(t, float64(res.Deltas), testutil.ToFloat64(h.session.Metrics().traceDeltas))
	assert.Equal(t, 1, h.session.Workspace().Overlay().Count())
}

func TestExecuteOfflineUnsupportedRoute(t *testing.T) {
	h := newHarness(t)
	h.init(t)

	res, err := h.client.Execute(context.Background(), protocol.ExecuteRequest{
		Request: domain.HTTPRequest{Method: "GET", URL: contoso + "/web/main.aspx"},
	})
	require.NoError(t, err)
	assert.Equal(t, 501, res.Response.StatusCode)
}

func TestRunnerLog(t *testing.T) {
	h := newHarness(t)
	h.init(t, "contoso.so")
	_, err := h.client.ExecutePlugin(context.Background(), pluginRequest("Contoso.Echo"))
	require.NoError(t, err)

	cfg, err := h.client.ConfigureLog(context.Background(), protocol.LogConfigRequest{Level: "debug", Categories: []string{"plugin"}, MaxEntries: 100})
	require.NoError(t, err)
	assert.True(t, cfg.Applied)
	assert.Equal(t, "Runner log configured: level=debug categories=plugin capacity=100", cfg.Message)

	_, err = h.client.ExecutePlugin(context.Background(), pluginRequest("Contoso.Echo"))
	require.NoError(t, err)

	page, err := h.client.FetchLog(context.Background(), protocol.LogFetchRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, page.Lines)
	for _, line := range page.Lines {
		assert.Equal(t, "plugin", line.Category)
	}
	assert.Equal(t, page.Lines[len(page.Lines)-1].ID, page.LastID)

	again, err := h.client.FetchLog(context.Background(), protocol.LogFetchRequest{LastSeenID: page.LastID})
	require.NoError(t, err)
	assert.Empty(t, again.Lines)

	bad, err := h.client.ConfigureLog(context.Background(), protocol.LogConfigRequest{Level: "loud"})
	require.NoError(t, err)
	assert.False(t, bad.Applied)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.init(t, "contoso.so")
	_, err := h.client.Execute(context.Background(), protocol.ExecuteRequest{
		Request: domain.HTTPRequest{Method: "POST", URL: contoso + "/api/data/v9.2/accounts", Body: `{"name":"Contoso"}`},
	})
	require.NoError(t, err)

	resp, err := h.client.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, 0, h.session.Workspace().Overlay().Count())

	health, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "No workspace initialized", health.Message)
}

func TestUnknownCommandIsRemoteError(t *testing.T) {
	h := newHarness(t)
	a, b := net.Pipe()
	go h.server.ServeConn(context.Background(), a)
	conn := protocol.NewConn(b)
	defer conn.Close()

	require.NoError(t, conn.Write("bogus", struct{}{}))
	env, err := conn.Read()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, protocol.CmdError, env.Command)
	var body domain.ErrorResponse
	require.NoError(t, env.Decode(&body))
	assert.Equal(t, domain.CodeProtocol, body.Code)
	assert.Contains(t, body.Message, "bogus")

	require.NoError(t, conn.Write(protocol.CmdHealth, struct{}{}))
	env, err = conn.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseCommand(protocol.CmdHealth), env.Command)
}

func TestProtocolViolationClosesOnlyThatConnection(t *testing.T) {
	h := newHarness(t)

	a, b := net.Pipe()
	go h.server.ServeConn(context.Background(), a)
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 0xFFFFFFFF)
	go func() { _, _ = b.Write(header[:]) }()

	conn := protocol.NewConn(b)
	env, err := conn.Read()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, protocol.CmdError, env.Command)

	env, _ = conn.Read()
	assert.Nil(t, env, "connection is closed after the error reply")

	resp, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReady, resp.Status)
}

func TestApplyConfig(t *testing.T) {
	h := newHarness(t)
	prev := h.session.cfg
	next := *prev
	next.Trace.Capacity = 10
	next.Trace.DeltaBatchSize = 7

	h.session.ApplyConfig(prev, &next)
	assert.Equal(t, 10, h.session.Ring().Capacity())
	assert.Equal(t, int64(7), h.session.deltaBatch.Load())
}

func TestBootstrapConfiguredWorkspace(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Bootstrap(context.Background()))
	assert.Equal(t, workspace.StateEmpty, h.session.Workspace().State())

	h.session.cfg.Workspace.Environment = domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"}
	h.session.cfg.Workspace.Manifest = domain.Manifest{Modules: []domain.ModuleSpec{{Path: "contoso.so"}}}
	require.NoError(t, h.session.Bootstrap(context.Background()))
	assert.Equal(t, workspace.StateReady, h.session.Workspace().State())
	assert.True(t, strings.HasPrefix(h.session.Health().Message, "Workspace ready"))
}
