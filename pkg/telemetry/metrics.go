package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome labels how a plugin invocation ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFault      Outcome = "fault"
	OutcomeCapability Outcome = "capability_not_supported"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	commandCounter          metric.Int64Counter
	commandLatencyHistogram metric.Float64Histogram
	pluginExecutionCounter  metric.Int64Counter
	pluginLatencyHistogram  metric.Float64Histogram
	capabilityFaultCounter  metric.Int64Counter
	moduleLoadCounter       metric.Int64Counter
)

// CommandMetrics captures one handled IPC command.
type CommandMetrics struct {
	Command  string
	Status   string
	Duration time.Duration
}

// PluginMetrics captures one plugin invocation.
type PluginMetrics struct {
	TypeName string
	Mode     string
	Outcome  Outcome
	Duration time.Duration
}

// RecordCommand counts a handled command and its latency.
func RecordCommand(ctx context.Context, m CommandMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("runner.command", m.Command),
		attribute.String("runner.status", m.Status),
	)
	commandCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		commandLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordPluginExecution emits the invocation counter and latency histogram.
func RecordPluginExecution(ctx context.Context, m PluginMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("plugin.type", m.TypeName),
		attribute.String("runner.mode", m.Mode),
		attribute.String("plugin.outcome", string(m.Outcome)),
	)
	pluginExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		pluginLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordCapabilityFault counts an operation refused by the execution mode.
func RecordCapabilityFault(ctx context.Context, operation string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	capabilityFaultCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("runner.operation", operation)))
}

// RecordModuleLoad counts a module loader outcome such as "cached" or "failed".
func RecordModuleLoad(ctx context.Context, result string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	moduleLoadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("module.result", result)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("plugin-runner")

		commandCounter, metricsInitErr = meter.Int64Counter(
			"runner.commands_total",
			metric.WithDescription("IPC commands handled partitioned by command and status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		commandLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"runner.command.duration_ms",
			metric.WithDescription("Observed command handling latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pluginExecutionCounter, metricsInitErr = meter.Int64Counter(
			"runner.plugin.executions_total",
			metric.WithDescription("Plugin invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pluginLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"runner.plugin.duration_ms",
			metric.WithDescription("Observed plugin execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		capabilityFaultCounter, metricsInitErr = meter.Int64Counter(
			"runner.capability_faults_total",
			metric.WithDescription("Operations refused by the active execution mode"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		moduleLoadCounter, metricsInitErr = meter.Int64Counter(
			"runner.module.loads_total",
			metric.WithDescription("Module loader outcomes"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
