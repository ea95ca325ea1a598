// Package governance holds the resilience primitives the runner applies to
// calls against a live organization: a circuit breaker per organization, a
// retry policy that honours the platform's Retry-After throttling hints, and
// a token-bucket throttle that keeps a chatty plugin under the service
// protection limits.
package governance
