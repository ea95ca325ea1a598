package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/sdk"
	"github.com/polisai/plugin-runner/pkg/telemetry"
	"github.com/polisai/plugin-runner/pkg/webapi"
	"github.com/polisai/plugin-runner/pkg/workspace"
)

// Observer receives invocation outcomes for metrics.
type Observer interface {
	PluginExecuted(typeName string, elapsed time.Duration, err error)
	CapabilityFault(operation string)
}

// Options configures an Engine.
type Options struct {
	Workspace *workspace.Manager
	Guard     dataaccess.Guard
	// Identity is the session's synthetic caller, stable for the process.
	Identity dataaccess.Identity
	// AllowLiveWrites is the process-start flag.
	AllowLiveWrites bool
	Observer        Observer
	Logger          *slog.Logger
}

// Engine executes plugins and step pipelines against the active workspace.
type Engine struct {
	opts   Options
	ws     *workspace.Manager
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workspace == nil {
		opts.Workspace = workspace.New(workspace.Options{Logger: logger})
	}
	return &Engine{opts: opts, ws: opts.Workspace, logger: logger.With("category", "plugin")}
}

// PluginResult is the outcome of ExecutePlugin.
type PluginResult struct {
	TypeName         string
	Context          *sdk.ExecutionContext
	OutputParameters map[string]any
	SharedVariables  map[string]any
}

// call carries the per-pipeline state shared by every step.
type call struct {
	facade *dataaccess.Service
	trace  TraceSink
	who    Identity
	depth  int
	parent *sdk.ExecutionContext
}

// ExecutePlugin runs one plugin type against the context described by req.
// A result is returned alongside a module fault so partial outputs survive.
func (e *Engine) ExecutePlugin(ctx context.Context, req domain.ExecutionRequest, rec TraceSink) (*PluginResult, error) {
	policy, err := execmode.Resolve(req.ExecutionMode, req.WriteMode, e.opts.AllowLiveWrites)
	if err != nil {
		return nil, err
	}

	env, _ := e.ws.Environment()
	client, cache, err := e.ws.ClientFor(req.OrgURL, req.AccessToken)
	if err != nil {
		return nil, err
	}
	coercer := dataaccess.NewCoercer(nil)
	switch {
	case cache != nil && policy.Mode == execmode.Offline:
		coercer = dataaccess.NewCoercer(cache.Local())
	case cache != nil:
		coercer = dataaccess.NewCoercer(cache)
	}

	who := IdentityFrom(e.opts.Identity, env.UserID)
	ectx, err := BuildContext(ctx, req, coercer, who)
	if err != nil {
		return nil, err
	}

	handle, err := e.ws.Loader().LoadModule(ctx, req.AssemblyPath, req.TypeName)
	if err != nil {
		rec.Add(err.Error())
		return nil, err
	}

	orgURL := firstNonEmpty(req.OrgURL, env.OrgURL)
	rec.Add(fmt.Sprintf("Executing %s for %s at %s, depth %d (%s)",
		handle.TypeName, describe(ectx.MessageName, ectx.PrimaryEntityName), ectx.Stage, ectx.Depth, policy))

	c := call{facade: e.facade(policy, client, orgURL), trace: rec, who: who, depth: ectx.Depth}
	err = e.invoke(ctx, c, handle, ectx, req.UnsecureConfig, req.SecureConfig)

	return &PluginResult{
		TypeName:         handle.TypeName,
		Context:          ectx,
		OutputParameters: WireParameters(coercer, ectx.OutputParameters),
		SharedVariables:  WireParameters(coercer, ectx.SharedVariables),
	}, err
}

// ExecuteOptions modifies how Execute treats an intercepted request.
type ExecuteOptions struct {
	// ForceProxy forwards the request to the organization unchanged.
	ForceProxy bool
	// BypassAuth forwards the request without injecting the credential.
	BypassAuth bool
}

// Execute serves an intercepted Web API request: it is translated to a
// native request and run through the step pipeline, or forwarded when it has
// no native form. The response is always populated; the error reports the
// underlying failure, if any.
func (e *Engine) Execute(ctx context.Context, req domain.HTTPRequest, opts ExecuteOptions, rec TraceSink) (domain.HTTPResponse, error) {
	env, ok := e.ws.Environment()
	if !ok {
		err := domain.NewError(domain.ErrWorkspaceNotReady, domain.CodeConfigInvalid, "initWorkspace must succeed before execute")
		return webapi.ErrorResponse(err), err
	}
	policy, err := execmode.Resolve(env.ExecutionMode, env.WriteMode, e.opts.AllowLiveWrites)
	if err != nil {
		return webapi.ErrorResponse(err), err
	}

	if opts.ForceProxy || opts.BypassAuth {
		return e.forward(ctx, policy, req, !opts.BypassAuth, rec)
	}

	translator := e.ws.Translator(policy.Mode == execmode.Offline)
	op, err := translator.ToNative(ctx, req)
	if errors.Is(err, webapi.ErrUnsupportedRoute) {
		rec.Add(fmt.Sprintf("No native form for %s %s", req.Method, req.URL))
		return e.forward(ctx, policy, req, true, rec)
	}
	if err != nil {
		rec.Add(err.Error())
		return webapi.ErrorResponse(err), err
	}

	rec.Add(fmt.Sprintf("%s %s handled as %s (%s)", req.Method, req.URL, describe(op.Message(), op.EntityName), policy))
	c := call{
		facade: e.facade(policy, e.ws.Client(), env.OrgURL),
		trace:  rec,
		who:    IdentityFrom(e.opts.Identity, env.UserID),
		depth:  1,
	}
	resp, err := e.process(ctx, c, op.Request, false)
	if err != nil {
		rec.Add(err.Error())
		return webapi.ErrorResponse(err), err
	}
	out, err := translator.FromNative(ctx, op, resp)
	if err != nil {
		return webapi.ErrorResponse(err), err
	}
	return out, nil
}

func (e *Engine) forward(ctx context.Context, policy execmode.Policy, req domain.HTTPRequest, injectAuth bool, rec TraceSink) (domain.HTTPResponse, error) {
	if err := policy.Require("Forward " + req.Method); err != nil {
		if e.opts.Observer != nil {
			e.opts.Observer.CapabilityFault("Forward")
		}
		telemetry.RecordCapabilityEvent(trace.SpanFromContext(ctx), string(policy.Mode), "Forward "+req.Method)
		rec.Add(err.Error())
		return webapi.ErrorResponse(err), err
	}
	client := e.ws.Client()
	if client == nil {
		err := domain.NewError(domain.ErrUpstreamUnreachable, domain.CodeUpstream, "no live connection to forward %s %s", req.Method, req.URL)
		return webapi.ErrorResponse(err), err
	}
	if injectAuth {
		rec.Add(fmt.Sprintf("Forwarding %s %s", req.Method, req.URL))
	} else {
		rec.Add(fmt.Sprintf("Forwarding %s %s with the caller's credentials", req.Method, req.URL))
	}
	resp, err := client.Forward(ctx, req, injectAuth)
	if err != nil {
		rec.Add(err.Error())
		return webapi.ErrorResponse(err), err
	}
	return resp, nil
}

// facade wires a data-access service to the resolved policy.
func (e *Engine) facade(policy execmode.Policy, client *webapi.Client, orgURL string) *dataaccess.Service {
	opts := dataaccess.Options{
		Policy:            policy,
		Overlay:           e.ws.Overlay(),
		Guard:             e.opts.Guard,
		Identity:          e.opts.Identity,
		OrgURL:            orgURL,
		Logger:            e.logger,
		LiveWritesEnabled: e.opts.AllowLiveWrites,
	}
	if client != nil {
		opts.Backend = client
	}
	if e.opts.Observer != nil {
		opts.OnCapabilityFault = e.opts.Observer.CapabilityFault
	}
	return dataaccess.NewService(opts)
}

// process runs the registered steps for request around the core operation.
// With viaExecute the core operation obeys the facade's Execute rules, which
// refuse data operations offline; otherwise it is dispatched directly.
func (e *Engine) process(ctx context.Context, c call, request *sdk.OrganizationRequest, viaExecute bool) (*sdk.OrganizationResponse, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: no request", dataaccess.ErrInvalidRecord)
	}
	entity := requestEntity(request)
	if c.depth > MaxDepth {
		return nil, depthError(request.RequestName, entity, c.depth)
	}
	core := c.facade.Dispatch
	if viaExecute {
		core = c.facade.Execute
	}
	steps := e.ws.Steps(request.RequestName, entity)
	if len(steps) == 0 {
		return core(ctx, request)
	}
	if request.Parameters == nil {
		request.Parameters = sdk.ParameterCollection{}
	}

	message := strings.ToLower(request.RequestName)
	shared := sdk.ParameterCollection{}

	var pre *sdk.Entity
	if (message == "update" || message == "delete") && wantsImages(steps, true) {
		pre = e.snapshot(ctx, c, entity, targetID(request, nil))
	}

	for _, s := range steps {
		if s.Stage >= sdk.StageMainOperation {
			continue
		}
		if err := e.runStep(ctx, c, s, request, entity, nil, shared, pre, nil); err != nil {
			return nil, err
		}
	}

	resp, err := core(ctx, request)
	if err != nil {
		return nil, err
	}

	var post *sdk.Entity
	if (message == "create" || message == "update") && wantsImages(steps, false) {
		post = e.snapshot(ctx, c, entity, targetID(request, resp.Results))
	}
	for _, s := range steps {
		if s.Stage != sdk.StagePostOperation {
			continue
		}
		if err := e.runStep(ctx, c, s, request, entity, resp.Results, shared, pre, post); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (e *Engine) runStep(ctx context.Context, c call, s workspace.StepBinding, request *sdk.OrganizationRequest,
	entity string, output, shared sdk.ParameterCollection, pre, post *sdk.Entity) error {
	if !fires(s.StepRegistration, request) {
		c.trace.Add(fmt.Sprintf("Step %s skipped: none of its filtering attributes changed", s.Name))
		return nil
	}
	h, err := e.ws.Loader().LoadModule(ctx, s.Module, s.TypeName)
	if err != nil {
		c.trace.Add(err.Error())
		return err
	}

	ectx := newContext(request.RequestName, entity, s.Stage, c.depth, c.who, c.parent)
	ectx.InputParameters = request.Parameters
	if output != nil {
		ectx.OutputParameters = output
	}
	ectx.SharedVariables = shared
	ectx.PrimaryEntityID = targetID(request, output)
	for _, img := range s.PreImages {
		if pre != nil {
			ectx.PreEntityImages[firstNonEmpty(img.Alias, DefaultPreImageAlias)] = project(pre, img.Attributes)
		}
	}
	for _, img := range s.PostImages {
		if post != nil {
			ectx.PostEntityImages[firstNonEmpty(img.Alias, DefaultPostImageAlias)] = project(post, img.Attributes)
		}
	}

	c.trace.Add(fmt.Sprintf("Executing step %s at %s, depth %d", s.Name, s.Stage, c.depth))
	return e.invoke(ctx, c, h, ectx, s.UnsecureConfig, s.SecureConfig)
}

func (e *Engine) invoke(ctx context.Context, c call, h *loader.Handle, ectx *sdk.ExecutionContext, unsecure, secure string) error {
	nested := &nestedService{engine: e, call: c}
	nested.call.depth = ectx.Depth + 1
	nested.call.parent = ectx

	services := &provider{
		ectx:  ectx,
		trace: c.trace,
		org:   func(*uuid.UUID) sdk.OrganizationService { return nested },
	}
	elapsed, err := timed(func() error {
		return RunPlugin(ctx, Invocation{
			Handle:         h,
			Context:        ectx,
			Services:       services,
			Trace:          c.trace,
			UnsecureConfig: unsecure,
			SecureConfig:   secure,
		})
	})
	if e.opts.Observer != nil {
		e.opts.Observer.PluginExecuted(h.TypeName, elapsed, err)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "Plugin failed", "type", h.TypeName, "message", ectx.MessageName, "depth", ectx.Depth, "error", err)
	} else {
		e.logger.DebugContext(ctx, "Plugin executed", "type", h.TypeName, "message", ectx.MessageName, "elapsed", elapsed)
	}
	return err
}

// snapshot reads the current record for an image. A failed read leaves
// the image out.
func (e *Engine) snapshot(ctx context.Context, c call, entity string, id uuid.UUID) *sdk.Entity {
	if entity == "" || id == uuid.Nil {
		return nil
	}
	rec, err := c.facade.Retrieve(ctx, entity, id, sdk.AllColumns())
	if err != nil {
		c.trace.Add(fmt.Sprintf("Image of %s %s not available: %v", entity, id, err))
		return nil
	}
	return rec
}

// fires applies an Update step's filtering attributes to the target.
func fires(step sdk.StepRegistration, request *sdk.OrganizationRequest) bool {
	if len(step.FilteringAttributes) == 0 || !strings.EqualFold(request.RequestName, dataaccess.RequestUpdate) {
		return true
	}
	target, ok := request.Parameters["Target"].(*sdk.Entity)
	if !ok {
		return true
	}
	for _, name := range step.FilteringAttributes {
		for attr := range target.Attributes {
			if strings.EqualFold(attr, strings.TrimSpace(name)) {
				return true
			}
		}
	}
	return false
}

func wantsImages(steps []workspace.StepBinding, pre bool) bool {
	for _, s := range steps {
		if (pre && len(s.PreImages) > 0) || (!pre && len(s.PostImages) > 0) {
			return true
		}
	}
	return false
}

func project(e *sdk.Entity, attributes []string) *sdk.Entity {
	out := e.Clone()
	if len(attributes) == 0 {
		return out
	}
	keep := make(sdk.AttributeCollection, len(attributes))
	for _, name := range attributes {
		if v, ok := out.Attributes[name]; ok {
			keep[name] = v
		}
	}
	out.Attributes = keep
	return out
}

func requestEntity(request *sdk.OrganizationRequest) string {
	switch t := request.Parameters["Target"].(type) {
	case *sdk.Entity:
		if t != nil {
			return t.LogicalName
		}
	case sdk.EntityReference:
		return t.LogicalName
	case *sdk.EntityReference:
		if t != nil {
			return t.LogicalName
		}
	}
	switch q := request.Parameters["Query"].(type) {
	case sdk.QueryExpression:
		return q.EntityName
	case sdk.QueryByAttribute:
		return q.EntityName
	}
	return ""
}

func targetID(request *sdk.OrganizationRequest, output sdk.ParameterCollection) uuid.UUID {
	switch t := request.Parameters["Target"].(type) {
	case *sdk.Entity:
		if t != nil && t.ID != uuid.Nil {
			return t.ID
		}
	case sdk.EntityReference:
		return t.ID
	case *sdk.EntityReference:
		if t != nil {
			return t.ID
		}
	}
	if id, ok := output["id"].(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
