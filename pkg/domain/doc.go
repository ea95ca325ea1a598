// Package domain defines the core types shared by the plugin runner and its hosts.
//
// This package contains pure domain types with ZERO external dependencies outside the
// Go standard library: the execution request, environment and manifest shapes exchanged
// over the runner protocol, and the error vocabulary every other package speaks.
//
// Other packages (protocol, loader, dataaccess, runner, etc.) depend on these types.
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
