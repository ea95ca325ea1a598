// Package tracelog holds the runner's in-memory diagnostics: a bounded log ring
// that hosts poll incrementally, a per-invocation trace Recorder that plugins
// write to, and a slog handler that mirrors runner logs into the ring.
package tracelog
