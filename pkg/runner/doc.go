// Package runner hosts the plugin execution engine behind the framed IPC
// protocol.
//
// A Session owns the process-wide state: the workspace manager, the plugin
// pipeline, the runner log ring, the synthetic identity and the metrics. A
// Server accepts host connections and serves each on its own goroutine,
// one command at a time, dispatching every envelope to the Session.
package runner
