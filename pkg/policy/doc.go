// Package policy evaluates the Rego write guard that stands in front of every
// live write the runner issues on a plugin's behalf.
//
// The guard receives {operation, entity, org_url, mode, write_mode,
// live_writes_enabled} and returns {action, reason}. The built-in policy allows
// writes only when the process was started with live writes enabled and the
// invocation resolved to Online mode; operators can replace it with their own
// module to, for example, restrict live writes to a sandbox organization.
package policy
