package storage

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/plugin-runner/pkg/sdk"
)

type partition struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*sdk.Entity
	order   []uuid.UUID
}

// MemoryOverlayStore is an in-memory implementation of OverlayStore. Each logical
// name is a partition with its own lock, so writers to different entity types
// never contend.
type MemoryOverlayStore struct {
	mu         sync.RWMutex
	partitions map[string]*partition
}

// NewMemoryOverlayStore creates a new MemoryOverlayStore.
func NewMemoryOverlayStore() *MemoryOverlayStore {
	return &MemoryOverlayStore{partitions: make(map[string]*partition)}
}

func (s *MemoryOverlayStore) key(logicalName string) string {
	return strings.ToLower(strings.TrimSpace(logicalName))
}

func (s *MemoryOverlayStore) partition(logicalName string, create bool) *partition {
	key := s.key(logicalName)

	s.mu.RLock()
	p, ok := s.partitions[key]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[key]; ok {
		return p
	}
	p = &partition{records: make(map[uuid.UUID]*sdk.Entity)}
	s.partitions[key] = p
	return p
}

// Put stores a deep copy of entity.
func (s *MemoryOverlayStore) Put(entity *sdk.Entity) {
	if entity == nil {
		return
	}
	p := s.partition(entity.LogicalName, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[entity.ID]; !exists {
		p.order = append(p.order, entity.ID)
	}
	p.records[entity.ID] = entity.Clone()
}

// Merge applies entity's attributes over the stored record.
func (s *MemoryOverlayStore) Merge(entity *sdk.Entity) *sdk.Entity {
	if entity == nil {
		return nil
	}
	p := s.partition(entity.LogicalName, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.records[entity.ID]
	if !exists {
		current = sdk.NewEntity(entity.LogicalName)
		current.ID = entity.ID
		p.records[entity.ID] = current
		p.order = append(p.order, entity.ID)
	}
	for name, value := range entity.Attributes {
		current.Set(name, sdk.CloneValue(value))
	}
	return current.Clone()
}

// Get returns a deep copy of the stored record.
func (s *MemoryOverlayStore) Get(logicalName string, id uuid.UUID) (*sdk.Entity, bool) {
	p := s.partition(logicalName, false)
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.records[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Delete removes a record. Deleting an absent record is a no-op.
func (s *MemoryOverlayStore) Delete(logicalName string, id uuid.UUID) bool {
	p := s.partition(logicalName, false)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.records[id]; !ok {
		return false
	}
	delete(p.records, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns deep copies of a partition's records in insertion order.
func (s *MemoryOverlayStore) List(logicalName string) []*sdk.Entity {
	p := s.partition(logicalName, false)
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*sdk.Entity, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.records[id].Clone())
	}
	return out
}

// Count returns the number of stored records.
func (s *MemoryOverlayStore) Count() int {
	s.mu.RLock()
	parts := make([]*partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	s.mu.RUnlock()

	n := 0
	for _, p := range parts {
		p.mu.RLock()
		n += len(p.records)
		p.mu.RUnlock()
	}
	return n
}

// Reset drops every partition.
func (s *MemoryOverlayStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = make(map[string]*partition)
}
