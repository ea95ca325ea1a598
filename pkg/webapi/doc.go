// Package webapi is the runner's client for an organization's Web API.
//
// Client implements the native organization service over HTTP and is the
// live metadata source. Every call passes the per-organization throttle,
// circuit breaker and retry policy from internal/governance and is traced
// through the otelhttp transport.
//
// DefaultTranslator maps intercepted Web API requests onto native requests
// and renders native responses back into HTTP shape.
package webapi
