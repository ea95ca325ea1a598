// Package metadata caches entity and attribute shape information used to coerce
// wire values into native platform values.
//
// The entity index is loaded once per environment, either from an exported
// schema or from a bulk fetch persisted as entities.json. Attribute shapes are
// loaded lazily per entity (memory, then attributes/<entity>.json, then the live
// Source). Disk files older than the TTL (7 days by default) are refetched.
package metadata
