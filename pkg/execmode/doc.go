// Package execmode resolves the Offline/Hybrid/Online and Fake/Live axes of an
// invocation into the Policy that drives the data-access facade.
package execmode
