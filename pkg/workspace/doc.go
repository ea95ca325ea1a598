// Package workspace holds the active environment and module set of a runner
// session: the organization being targeted, the live client and metadata
// cache for it, the overlay of emulated writes and the modules whose types
// and steps are available to execute.
package workspace
