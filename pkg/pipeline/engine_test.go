package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/sdk"
	"github.com/polisai/plugin-runner/pkg/tracelog"
	"github.com/polisai/plugin-runner/pkg/workspace"
)

const contoso = "https://contoso.crm.example.com"

type recordingObserver struct {
	mu      sync.Mutex
	plugins []string
	faults  []string
}

func (o *recordingObserver) PluginExecuted(typeName string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plugins = append(o.plugins, fmt.Sprintf("%s:%t", typeName, err == nil))
}

func (o *recordingObserver) CapabilityFault(operation string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, operation)
}

func plugin(fn func(ctx context.Context, sp sdk.ServiceProvider) error) sdk.Constructors {
	return sdk.Constructors{Default: func() (sdk.Plugin, error) { return sdk.PluginFunc(fn), nil }}
}

func testModule(r *sdk.Registry) {
	r.RegisterType("Contoso.Echo", sdk.Constructors{WithConfig: func(cfg string) (sdk.Plugin, error) {
		return sdk.PluginFunc(func(_ context.Context, sp sdk.ServiceProvider) error {
			sp.Tracing().Trace("hello from %s", sp.Context().MessageName)
			sp.Context().OutputParameters["echo"] = cfg
			sp.Context().SharedVariables["seen"] = true
			return nil
		}), nil
	}})
	r.RegisterType("Contoso.Panics", plugin(func(context.Context, sdk.ServiceProvider) error {
		panic("boom")
	}))
	r.RegisterType("Contoso.Creator", plugin(func(ctx context.Context, sp sdk.ServiceProvider) error {
		svc := sp.OrganizationService(nil)
		contact := sdk.NewEntity("contact")
		contact.Set("fullname", "Ada Lovelace")
		id, err := svc.Create(ctx, contact)
		if err != nil {
			return err
		}
		got, err := svc.Retrieve(ctx, "contact", id, sdk.Columns("fullname"))
		if err != nil {
			return err
		}
		sp.Context().OutputParameters["contactid"] = id
		sp.Context().OutputParameters["fullname"] = got.GetString("fullname")
		return nil
	}))
	r.RegisterType("Contoso.Identity", plugin(func(ctx context.Context, sp sdk.ServiceProvider) error {
		svc := sp.OrganizationService(nil)
		who, err := svc.Execute(ctx, &sdk.OrganizationRequest{RequestName: "WhoAmI"})
		if err != nil {
			return err
		}
		sp.Context().OutputParameters["UserId"] = who.Results["UserId"]
		_, err = svc.Execute(ctx, &sdk.OrganizationRequest{RequestName: "RetrieveVersion"})
		return err
	}))
	r.RegisterType("Contoso.Stamp", plugin(func(_ context.Context, sp sdk.ServiceProvider) error {
		target, _ := sp.Context().Target()
		target.Set("description", "stamped")
		sp.Context().SharedVariables["stamp"] = "yes"
		return nil
	}))
	r.RegisterType("Contoso.After", plugin(func(_ context.Context, sp sdk.ServiceProvider) error {
		c := sp.Context()
		sp.Tracing().Trace("created %v shared=%v", c.OutputParameters["id"], c.SharedVariables["stamp"])
		return nil
	}))
	r.RegisterType("Contoso.Revenue", plugin(func(_ context.Context, sp sdk.ServiceProvider) error {
		sp.Tracing().Trace("revenue changed")
		return nil
	}))
	r.RegisterType("Contoso.Image", plugin(func(_ context.Context, sp sdk.ServiceProvider) error {
		after := sp.Context().PostEntityImages["after"]
		sp.Tracing().Trace("after image: %s", after.GetString("name"))
		return nil
	}))
	r.RegisterType("Contoso.Loop", plugin(func(ctx context.Context, sp sdk.ServiceProvider) error {
		_, err := sp.OrganizationService(nil).Create(ctx, sdk.NewEntity("task"))
		return err
	}))

	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.After", MessageName: "Create", EntityName: "account", Stage: sdk.StagePostOperation})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.Stamp", MessageName: "Create", EntityName: "account", Stage: sdk.StagePreOperation})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.Revenue", MessageName: "Update", EntityName: "account", Stage: sdk.StagePreOperation, FilteringAttributes: []string{"revenue"}})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.Image", MessageName: "Update", EntityName: "account", Stage: sdk.StagePostOperation, PostImages: []sdk.ImageRegistration{{Alias: "after"}}})
	r.RegisterStep(sdk.StepRegistration{TypeName: "Contoso.Loop", MessageName: "Create", EntityName: "task", Stage: sdk.StagePostOperation})
}

type fixture struct {
	ws     *workspace.Manager
	engine *Engine
	obs    *recordingObserver
}

func newFixture(t *testing.T, env domain.Environment) *fixture {
	t.Helper()
	root := t.TempDir()
	opener := loader.NewStaticOpener()
	opener.Add("contoso.so", testModule)
	require.NoError(t, os.WriteFile(filepath.Join(root, "contoso.so"), []byte("module"), 0o600))

	l := loader.New(loader.Options{ModuleRoot: root, ShadowDir: t.TempDir(), Opener: opener})
	ws := workspace.New(workspace.Options{Loader: l})
	_, err := ws.Initialize(context.Background(), env, domain.Manifest{Modules: []domain.ModuleSpec{{Path: "contoso.so"}}})
	require.NoError(t, err)

	obs := &recordingObserver{}
	return &fixture{
		ws:     ws,
		obs:    obs,
		engine: NewEngine(Options{Workspace: ws, Identity: dataaccess.NewSyntheticIdentity(), Observer: obs}),
	}
}

func offlineRequest(typeName string) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		RequestID:         uuid.NewString(),
		AssemblyPath:      "contoso.so",
		TypeName:          typeName,
		MessageName:       "Create",
		PrimaryEntityName: "account",
		Stage:             "PostOperation",
		ExecutionMode:     "Offline",
		TargetJSON:        `{"name":"Contoso"}`,
	}
}

func newRecorder() *tracelog.Recorder {
	return tracelog.NewRecorder(tracelog.RecorderOptions{})
}

func TestEngine_ExecutePluginOutputs(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	rec := newRecorder()
	req := offlineRequest("contoso.echo")
	req.UnsecureConfig = "cfg"

	res, err := f.engine.ExecutePlugin(context.Background(), req, rec)
	require.NoError(t, err)
	assert.Equal(t, "Contoso.Echo", res.TypeName)
	assert.Equal(t, map[string]any{"echo": "cfg"}, res.OutputParameters)
	assert.Equal(t, map[string]any{"seen": true}, res.SharedVariables)
	assert.Contains(t, rec.Lines(), "Using plugin constructor (string unsecureConfig)")
	assert.Contains(t, rec.Lines(), "hello from Create")
	assert.Equal(t, []string{"Contoso.Echo:true"}, f.obs.plugins)
}

func TestEngine_ExecutePluginInvalidMode(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	req := offlineRequest("Contoso.Echo")
	req.ExecutionMode = "NotValid"

	_, err := f.engine.ExecutePlugin(context.Background(), req, newRecorder())
	var cfg *execmode.ConfigError
	require.True(t, errors.As(err, &cfg))
	assert.Contains(t, err.Error(), "ExecutionMode")
	assert.Contains(t, err.Error(), "Offline, Hybrid, Online")
}

func TestEngine_PanicBecomesModuleFault(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	rec := newRecorder()

	_, err := f.engine.ExecutePlugin(context.Background(), offlineRequest("Contoso.Panics"), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModuleFault)
	assert.Contains(t, err.Error(), "boom")

	trace := strings.Join(rec.Lines(), "\n")
	assert.Contains(t, trace, "Unhandled panic in Contoso.Panics: boom")
	assert.Contains(t, trace, "goroutine")

	_, err = f.engine.ExecutePlugin(context.Background(), offlineRequest("Contoso.Echo"), newRecorder())
	assert.NoError(t, err, "runner stays usable after a panic")
}

func TestEngine_TypeNotFound(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	rec := newRecorder()
	_, err := f.engine.ExecutePlugin(context.Background(), offlineRequest("Contoso.Missing"), rec)
	assert.ErrorIs(t, err, domain.ErrTypeNotFound)
	assert.NotEmpty(t, rec.Lines())
}

func TestEngine_PluginWritesLandInOverlay(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	res, err := f.engine.ExecutePlugin(context.Background(), offlineRequest("Contoso.Creator"), newRecorder())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", res.OutputParameters["fullname"])

	id, err := uuid.Parse(res.OutputParameters["contactid"].(string))
	require.NoError(t, err)
	stored, ok := f.ws.Overlay().Get("contact", id)
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", stored.GetString("fullname"))
}

func TestEngine_OfflineExecuteOnlyAnswersIdentity(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	res, err := f.engine.ExecutePlugin(context.Background(), offlineRequest("Contoso.Identity"), newRecorder())
	require.Error(t, err)

	var capErr *execmode.CapabilityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, execmode.Offline, capErr.Mode)
	assert.Equal(t, "RetrieveVersion", capErr.Operation)
	assert.NotEmpty(t, capErr.Remediation)
	assert.NotEmpty(t, res.OutputParameters["UserId"])
	assert.Equal(t, []string{"RetrieveVersion"}, f.obs.faults)
}

func TestEngine_ExecuteRunsStepPipeline(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	rec := newRecorder()

	resp, err := f.engine.Execute(context.Background(), domain.HTTPRequest{
		Method: "POST", URL: contoso + "/api/data/v9.2/accounts", Body: `{"name":"Contoso"}`,
	}, ExecuteOptions{}, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	entityID := resp.Headers["OData-EntityId"]
	idText := entityID[strings.LastIndex(entityID, "(")+1 : len(entityID)-1]
	id, err := uuid.Parse(idText)
	require.NoError(t, err)

	stored, ok := f.ws.Overlay().Get("account", id)
	require.True(t, ok)
	assert.Equal(t, "stamped", stored.GetString("description"))
	assert.Contains(t, rec.Lines(), fmt.Sprintf("created %s shared=yes", id))
	assert.Equal(t, []string{"Contoso.Stamp:true", "Contoso.After:true"}, f.obs.plugins)
}

func TestEngine_FilteringAttributesAndImages(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	id := uuid.New()
	url := contoso + "/api/data/v9.2/accounts(" + id.String() + ")"

	rec := newRecorder()
	_, err := f.engine.Execute(context.Background(), domain.HTTPRequest{Method: "PATCH", URL: url, Body: `{"name":"Fabrikam"}`}, ExecuteOptions{}, rec)
	require.NoError(t, err)
	lines := strings.Join(rec.Lines(), "\n")
	assert.Contains(t, lines, "skipped: none of its filtering attributes changed")
	assert.NotContains(t, lines, "revenue changed")
	assert.Contains(t, lines, "after image: Fabrikam")

	rec = newRecorder()
	_, err = f.engine.Execute(context.Background(), domain.HTTPRequest{Method: "PATCH", URL: url, Body: `{"revenue":5}`}, ExecuteOptions{}, rec)
	require.NoError(t, err)
	assert.Contains(t, rec.Lines(), "revenue changed")
}

func TestEngine_DepthLimit(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	resp, err := f.engine.Execute(context.Background(), domain.HTTPRequest{
		Method: "POST", URL: contoso + "/api/data/v9.2/tasks", Body: `{"subject":"again"}`,
	}, ExecuteOptions{}, newRecorder())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModuleFault)
	assert.Contains(t, err.Error(), "maximum of 8")
	assert.GreaterOrEqual(t, resp.StatusCode, 400)
	assert.Len(t, f.obs.plugins, MaxDepth)
}

func TestEngine_OfflineForwardIsCapabilityFault(t *testing.T) {
	f := newFixture(t, domain.Environment{OrgURL: contoso, ExecutionMode: "Offline"})
	resp, err := f.engine.Execute(context.Background(), domain.HTTPRequest{Method: "GET", URL: contoso + "/web/main.aspx"}, ExecuteOptions{}, newRecorder())
	assert.ErrorIs(t, err, domain.ErrCapability)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestEngine_ExecuteRequiresWorkspace(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.Execute(context.Background(), domain.HTTPRequest{Method: "GET", URL: "/api/data/v9.2/accounts"}, ExecuteOptions{}, newRecorder())
	assert.ErrorIs(t, err, domain.ErrWorkspaceNotReady)
}

func TestEngine_ForceProxyAndBypassAuth(t *testing.T) {
	var auth []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer server.Close()

	f := newFixture(t, domain.Environment{OrgURL: server.URL, AccessToken: "secret"})
	req := domain.HTTPRequest{Method: "GET", URL: server.URL + "/api/data/v9.2/accounts", Headers: map[string]string{"Authorization": "Bearer caller"}}

	resp, err := f.engine.Execute(context.Background(), req, ExecuteOptions{ForceProxy: true}, newRecorder())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.engine.Execute(context.Background(), req, ExecuteOptions{ForceProxy: true, BypassAuth: true}, newRecorder())
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer secret", "Bearer caller"}, auth)
}
