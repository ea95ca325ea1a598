package tracelog

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Log categories recorded by the runner.
const (
	CategoryRunner    = "runner"
	CategoryTransport = "transport"
	CategoryWorkspace = "workspace"
	CategoryPlugin    = "plugin"
	CategoryData      = "data"
	CategoryMetadata  = "metadata"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 5000

// Entry is one ring record. IDs increase monotonically for the process lifetime.
type Entry struct {
	ID        uint64
	Timestamp time.Time
	Level     slog.Level
	Category  string
	Message   string
}

// Buffer is a thread-safe fixed-size circular log with oldest-first eviction
// and level/category filtering.
type Buffer struct {
	entries  []*Entry
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int // Current number of elements
	capacity int // Maximum capacity
	nextID   uint64

	minLevel   slog.Level
	categories map[string]bool // nil accepts every category

	mu sync.RWMutex
}

// NewBuffer creates a ring with the specified capacity
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]*Entry, capacity),
		capacity: capacity,
		minLevel: slog.LevelDebug,
	}
}

// Append records a message if it passes the level and category filters.
// It returns the assigned id and whether the entry was kept.
func (b *Buffer) Append(level slog.Level, category, message string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if level < b.minLevel {
		return 0, false
	}
	if b.categories != nil && !b.categories[category] {
		return 0, false
	}

	b.nextID++
	b.entries[b.tail] = &Entry{
		ID:        b.nextID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		Message:   message,
	}
	b.tail = (b.tail + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	} else {
		// Buffer is full, advance head to evict oldest
		b.head = (b.head + 1) % b.capacity
	}
	return b.nextID, true
}

// Since returns up to max entries with an id greater than lastSeen, oldest first,
// together with the id of the last returned entry (lastSeen when none).
func (b *Buffer) Since(lastSeen uint64, max int) ([]Entry, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	last := lastSeen
	var out []Entry
	for i := 0; i < b.size; i++ {
		e := b.entries[(b.head+i)%b.capacity]
		if e == nil || e.ID <= lastSeen {
			continue
		}
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, *e)
		last = e.ID
	}
	return out, last
}

// GetAll returns all entries in order from oldest to newest
func (b *Buffer) GetAll() []Entry {
	entries, _ := b.Since(0, 0)
	return entries
}

// Size returns the current number of entries
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the maximum capacity of the buffer
func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// Oldest returns the oldest entry, or nil if empty
func (b *Buffer) Oldest() *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return nil
	}
	e := *b.entries[b.head]
	return &e
}

// Clear removes all entries. IDs keep increasing.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		b.entries[i] = nil
	}
	b.head = 0
	b.tail = 0
	b.size = 0
}

// Configure applies a level, a category allow-list and a capacity. An empty level
// or category list leaves that setting unchanged; "*" re-enables every category.
func (b *Buffer) Configure(level string, categories []string, maxEntries int) error {
	var parsed *slog.Level
	if strings.TrimSpace(level) != "" {
		lvl, err := ParseLevel(level)
		if err != nil {
			return err
		}
		parsed = &lvl
	}

	if maxEntries > 0 {
		if err := b.Resize(maxEntries); err != nil {
			return err
		}
	} else if maxEntries < 0 {
		return fmt.Errorf("maxEntries must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if parsed != nil {
		b.minLevel = *parsed
	}
	if len(categories) > 0 {
		allowed := make(map[string]bool, len(categories))
		for _, c := range categories {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "*" {
				allowed = nil
				break
			}
			if c != "" {
				allowed[c] = true
			}
		}
		b.categories = allowed
	}
	return nil
}

// Resize changes the capacity of the buffer, preserving as many recent entries as possible
func (b *Buffer) Resize(newCapacity int) error {
	if newCapacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if newCapacity == b.capacity {
		return nil
	}

	current := make([]*Entry, 0, b.size)
	for i := 0; i < b.size; i++ {
		if e := b.entries[(b.head+i)%b.capacity]; e != nil {
			current = append(current, e)
		}
	}

	b.entries = make([]*Entry, newCapacity)
	b.capacity = newCapacity
	b.head = 0
	b.tail = 0
	b.size = 0

	// Keep the most recent entries if the new capacity is smaller
	start := 0
	if len(current) > newCapacity {
		start = len(current) - newCapacity
	}
	for i := start; i < len(current); i++ {
		b.entries[b.tail] = current[i]
		b.tail = (b.tail + 1) % b.capacity
		b.size++
	}
	return nil
}

// ParseLevel accepts debug, info, warn/warning, error (case-insensitive) and the
// platform names verbose and off.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose", "trace":
		return slog.LevelDebug, nil
	case "info", "information":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off", "none":
		return slog.Level(100), nil
	}
	return 0, fmt.Errorf("unknown log level %q (expected debug, info, warn, error or off)", level)
}
