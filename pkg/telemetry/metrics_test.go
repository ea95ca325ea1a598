package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/plugin-runner/pkg/policy"
)

func collect(t *testing.T, record func(ctx context.Context)) map[string]metricdata.Metrics {
	t.Helper()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()

	record(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordPluginExecution(t *testing.T) {
	metrics := collect(t, func(ctx context.Context) {
		RecordPluginExecution(ctx, PluginMetrics{TypeName: "Contoso.Echo", Mode: "Hybrid", Outcome: OutcomeFault, Duration: 150 * time.Millisecond})
		RecordPluginExecution(ctx, PluginMetrics{TypeName: "Contoso.Echo", Mode: "Hybrid", Outcome: OutcomeFault})
	})

	exec, ok := metrics["runner.plugin.executions_total"]
	require.True(t, ok, "missing executions metric")
	sum, ok := exec.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	value, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("plugin.outcome"))
	require.True(t, ok)
	assert.Equal(t, "fault", value.AsString())

	hist, ok := metrics["runner.plugin.duration_ms"]
	require.True(t, ok, "missing duration metric")
	histData := hist.Data.(metricdata.Histogram[float64])
	require.Len(t, histData.DataPoints, 1)
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count, "zero durations are not recorded")
	assert.Equal(t, float64(150), histData.DataPoints[0].Sum)
}

func TestRecordCommandAndFaults(t *testing.T) {
	metrics := collect(t, func(ctx context.Context) {
		RecordCommand(ctx, CommandMetrics{Command: "health", Status: "Ready", Duration: time.Millisecond})
		RecordCapabilityFault(ctx, "Create")
		RecordModuleLoad(ctx, "cached")
		RecordModuleLoad(ctx, "failed")
	})

	commands := metrics["runner.commands_total"].Data.(metricdata.Sum[int64])
	require.Len(t, commands.DataPoints, 1)
	cmd, _ := commands.DataPoints[0].Attributes.Value(attribute.Key("runner.command"))
	assert.Equal(t, "health", cmd.AsString())

	faults := metrics["runner.capability_faults_total"].Data.(metricdata.Sum[int64])
	require.Len(t, faults.DataPoints, 1)
	assert.Equal(t, int64(1), faults.DataPoints[0].Value)

	loads := metrics["runner.module.loads_total"].Data.(metricdata.Sum[int64])
	assert.Len(t, loads.DataPoints, 2)
}

func TestRecordWriteDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "write")
	RecordWriteDecision(span, "Create", "account", policy.Decision{
		Action:   policy.ActionDeny,
		Reason:   "live writes are disabled for this runner",
		Metadata: map[string]string{"rule": "default", "empty": ""},
	})
	RecordCapabilityEvent(span, "Offline", "Update")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := attribute.NewSet(spans[0].Attributes()...)
	action, ok := attrs.Value("policy.decision.action")
	require.True(t, ok)
	assert.Equal(t, "deny", action.AsString())
	rule, ok := attrs.Value("policy.rule")
	require.True(t, ok)
	assert.Equal(t, "default", rule.AsString())
	_, ok = attrs.Value("policy.empty")
	assert.False(t, ok)

	events := spans[0].Events()
	require.Len(t, events, 2)
	assert.Equal(t, "write.kept_local", events[0].Name)
	assert.Equal(t, "capability.not_supported", events[1].Name)
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
