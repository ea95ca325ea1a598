// Package storage provides the runner-local overlay that emulates writes without
// touching the real backend.
package storage

import (
	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/sdk"
)

// OverlayStore exposes the record operations the data-access facade emulates.
// Every value passed in or returned is an independent deep copy.
type OverlayStore interface {
	// Put stores a full snapshot, replacing any existing record.
	Put(entity *sdk.Entity)
	// Merge applies the entity's attributes over the stored record, creating it
	// when absent, and returns the merged snapshot.
	Merge(entity *sdk.Entity) *sdk.Entity
	// Get returns the stored record.
	Get(logicalName string, id uuid.UUID) (*sdk.Entity, bool)
	// Delete removes a record and reports whether it existed.
	Delete(logicalName string, id uuid.UUID) bool
	// List returns every record of a partition in insertion order.
	List(logicalName string) []*sdk.Entity
	// Count returns the number of stored records across partitions.
	Count() int
	// Reset drops every partition.
	Reset()
}
