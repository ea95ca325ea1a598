// Package pipeline rebuilds the server-side invocation context for a plugin,
// instantiates and runs it, and drives the staged step pipeline around a
// native operation: pre-validation and pre-operation steps, the core
// operation against the data-access facade, then post-operation steps.
//
// Plugins that call back into their organization service re-enter the
// pipeline one level deeper. Nesting beyond MaxDepth is a module fault.
package pipeline
