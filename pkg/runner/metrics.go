package runner

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/telemetry"
)

// Metrics holds all Prometheus metrics for the runner. It also forwards
// invocation outcomes to the OpenTelemetry instruments.
type Metrics struct {
	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Plugin metrics
	pluginExecutions *prometheus.CounterVec
	pluginDuration   *prometheus.HistogramVec
	capabilityFaults *prometheus.CounterVec

	// Module loader metrics
	moduleLoads    *prometheus.CounterVec
	moduleLoadTime prometheus.Histogram

	// Connection metrics
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	traceDeltas       prometheus.Counter

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_commands_total",
				Help: "Total number of IPC commands handled by command and status",
			},
			[]string{"command", "status"},
		),

		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_command_duration_seconds",
				Help:    "Command handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		pluginExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_plugin_executions_total",
				Help: "Total number of plugin invocations by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_plugin_duration_seconds",
				Help:    "Plugin Execute latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		capabilityFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_capability_faults_total",
				Help: "Total number of operations refused by the execution mode",
			},
			[]string{"operation"},
		),

		moduleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_module_loads_total",
				Help: "Total number of module loads by result",
			},
			[]string{"result"},
		),

		moduleLoadTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runner_module_load_duration_seconds",
				Help:    "Module resolve, copy and open latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_connections_active",
				Help: "Number of currently open host connections",
			},
		),

		connectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_connections_total",
				Help: "Total number of accepted host connections",
			},
		),

		traceDeltas: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_trace_deltas_total",
				Help: "Total number of executeTrace deltas sent",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.pluginExecutions,
		m.pluginDuration,
		m.capabilityFaults,
		m.moduleLoads,
		m.moduleLoadTime,
		m.connectionsActive,
		m.connectionsTotal,
		m.traceDeltas,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegisterOverlay exports the overlay record count as a gauge.
func (m *Metrics) RegisterOverlay(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "runner_overlay_records",
			Help: "Records currently held in the local overlay",
		},
		func() float64 { return float64(count()) },
	))
}

// RecordCommand records a handled command.
func (m *Metrics) RecordCommand(command, status string, duration time.Duration) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
	telemetry.RecordCommand(context.Background(), telemetry.CommandMetrics{Command: command, Status: status, Duration: duration})
}

// PluginExecuted records one plugin invocation.
func (m *Metrics) PluginExecuted(typeName string, elapsed time.Duration, err error) {
	outcome := outcomeOf(err)
	m.pluginExecutions.WithLabelValues(typeName, string(outcome)).Inc()
	m.pluginDuration.WithLabelValues(typeName).Observe(elapsed.Seconds())
	telemetry.RecordPluginExecution(context.Background(), telemetry.PluginMetrics{TypeName: typeName, Outcome: outcome, Duration: elapsed})
}

// CapabilityFault records an operation refused by the execution mode.
func (m *Metrics) CapabilityFault(operation string) {
	m.capabilityFaults.WithLabelValues(operation).Inc()
	telemetry.RecordCapabilityFault(context.Background(), operation)
}

// ModuleLoaded records a loader outcome.
func (m *Metrics) ModuleLoaded(result loader.LoadResult, elapsed time.Duration) {
	m.moduleLoads.WithLabelValues(string(result)).Inc()
	if result != loader.LoadCached {
		m.moduleLoadTime.Observe(elapsed.Seconds())
	}
	telemetry.RecordModuleLoad(context.Background(), string(result))
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

// RecordTraceDelta records one executeTrace message.
func (m *Metrics) RecordTraceDelta() {
	m.traceDeltas.Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcomeOf(err error) telemetry.Outcome {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, domain.ErrCapability):
		return telemetry.OutcomeCapability
	default:
		return telemetry.OutcomeFault
	}
}
