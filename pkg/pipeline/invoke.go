package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

var tracer = otel.Tracer("github.com/polisai/plugin-runner/pkg/pipeline")

// TraceSink receives trace lines of one invocation.
type TraceSink interface {
	sdk.TracingService
	Add(line string)
}

// Invocation is one plugin run.
type Invocation struct {
	Handle         *loader.Handle
	Context        *sdk.ExecutionContext
	Services       sdk.ServiceProvider
	Trace          TraceSink
	UnsecureConfig string
	SecureConfig   string
}

// RunPlugin instantiates the plugin type and executes it. Errors and panics
// raised by plugin code become module faults; their message and stack are
// written to the trace first.
func RunPlugin(ctx context.Context, inv Invocation) (err error) {
	h := inv.Handle
	ctx, span := tracer.Start(ctx, "plugin.execute", trace.WithAttributes(
		attribute.String("plugin.type", h.TypeName),
		attribute.String("plugin.message", inv.Context.MessageName),
		attribute.String("plugin.entity", inv.Context.PrimaryEntityName),
		attribute.Int("plugin.stage", int(inv.Context.Stage)),
		attribute.Int("plugin.depth", inv.Context.Depth),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	plugin, label, err := h.Instantiate(inv.UnsecureConfig, inv.SecureConfig)
	if label != "" {
		inv.Trace.Add(label)
	}
	if err != nil {
		inv.Trace.Add(fmt.Sprintf("Could not create %s: %v", h.TypeName, err))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			inv.Trace.Add(fmt.Sprintf("Unhandled panic in %s: %v", h.TypeName, r))
			for _, line := range strings.Split(strings.TrimSpace(stack), "\n") {
				inv.Trace.Add(line)
			}
			err = domain.NewError(domain.ErrModuleFault, domain.CodeModuleFault, "%s panicked: %v", h.TypeName, r)
		}
	}()

	if err := plugin.Execute(ctx, inv.Services); err != nil {
		inv.Trace.Add(fmt.Sprintf("%s failed: %v", h.TypeName, err))
		return fmt.Errorf("%w: %s: %w", domain.ErrModuleFault, h.TypeName, err)
	}
	return nil
}

// provider is the sdk.ServiceProvider handed to one plugin run.
type provider struct {
	ectx  *sdk.ExecutionContext
	trace sdk.TracingService
	org   func(userID *uuid.UUID) sdk.OrganizationService
}

func (p *provider) Context() *sdk.ExecutionContext { return p.ectx }

func (p *provider) Tracing() sdk.TracingService { return p.trace }

func (p *provider) OrganizationService(userID *uuid.UUID) sdk.OrganizationService {
	return p.org(userID)
}

// timed runs fn and reports its duration.
func timed(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}
