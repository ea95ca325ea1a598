// Package loader resolves, shadow-copies and opens extension modules and
// instantiates the plugin types they declare.
//
// A module is a Go plugin exporting func Register(*sdk.Registry). The loader
// never opens the file the developer builds into: it copies it to
// <ShadowDir>/<content hash>/<name> first, so a rebuild produces a new copy
// and the next LoadModule sees the new code.
package loader
