// Package telemetry wires OpenTelemetry exporters and meters for the plugin
// runner.
//
// It centralises trace provider setup, records plugin invocation counters
// and latency, and offers enrichment helpers that attach write guard
// decisions and capability faults to spans so operators can correlate a
// plugin's trace with what happened at the backend.
package telemetry
