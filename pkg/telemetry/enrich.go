package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/policy"
)

// RecordWriteDecision annotates the span with the write guard outcome.
func RecordWriteDecision(span trace.Span, operation, entity string, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("write.operation", operation),
		attribute.String("write.entity", entity),
		attribute.String("policy.decision.action", string(decision.Action)),
	}
	if decision.Reason != "" {
		attrs = append(attrs, attribute.String("policy.decision.reason", decision.Reason))
	}
	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		attrs = append(attrs, attribute.String("policy."+key, value))
	}
	span.SetAttributes(attrs...)

	if !decision.Allowed() {
		span.AddEvent("write.kept_local")
	}
}

// RecordCapabilityEvent attaches a capability-not-supported event to the span.
func RecordCapabilityEvent(span trace.Span, mode, operation string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent("capability.not_supported", trace.WithAttributes(
		attribute.String("runner.mode", mode),
		attribute.String("runner.operation", operation),
	))
}
