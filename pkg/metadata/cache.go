package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// DefaultTTL is how long disk cache files stay valid.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNoSource is returned when a live fetch is needed but no source is configured.
var ErrNoSource = errors.New("metadata source not configured")

// Options configures a Cache.
type Options struct {
	// Dir holds the flat-file cache. Empty disables the disk layer.
	Dir    string
	Source Source
	TTL    time.Duration
	Logger *slog.Logger
}

// Cache resolves entity and attribute shapes. Entries are populated on demand
// and never invalidated until Reset.
type Cache struct {
	opts   Options
	logger *slog.Logger

	mu          sync.RWMutex
	byName      map[string]EntityInfo
	bySet       map[string]EntityInfo
	attributes  map[string]map[string]AttributeShape
	snapshotOps map[string]OperationParameter
	operations  map[string]*OperationParameter // nil value caches a miss

	group singleflight.Group
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{opts: opts, logger: logger.With("category", "metadata")}
	c.Reset()
	return c
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]EntityInfo)
	c.bySet = make(map[string]EntityInfo)
	c.attributes = make(map[string]map[string]AttributeShape)
	c.snapshotOps = make(map[string]OperationParameter)
	c.operations = make(map[string]*OperationParameter)
}

type entityFile struct {
	SavedAt  time.Time    `json:"savedAt"`
	Entities []EntityInfo `json:"entities"`
}

type attributeFile struct {
	SavedAt    time.Time        `json:"savedAt"`
	Attributes []AttributeShape `json:"attributes"`
}

// LoadIndex populates the entity index from the disk cache when it is fresh,
// otherwise from a bulk fetch that is then persisted.
func (c *Cache) LoadIndex(ctx context.Context) error {
	var file entityFile
	if c.readFresh("entities.json", &file, func() time.Time { return file.SavedAt }) {
		c.indexEntities(file.Entities)
		c.logger.Debug("Entity index loaded from disk", "entities", len(file.Entities))
		return nil
	}

	if c.opts.Source == nil {
		return ErrNoSource
	}
	entities, err := c.opts.Source.FetchEntities(ctx)
	if err != nil {
		return fmt.Errorf("fetch entity index: %w", err)
	}
	c.indexEntities(entities)
	c.writeFile("entities.json", entityFile{SavedAt: time.Now().UTC(), Entities: entities})
	c.logger.Info("Entity index fetched", "entities", len(entities))
	return nil
}

// LoadExportedSchema populates the index, attribute shapes and operation
// parameter snapshot from a YAML or JSON schema export.
func (c *Cache) LoadExportedSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	var schema Schema
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &schema)
	default:
		err = yaml.Unmarshal(data, &schema)
	}
	if err != nil {
		return fmt.Errorf("parse schema %s: %w", path, err)
	}

	c.indexEntities(schema.Entities)

	c.mu.Lock()
	for entity, shapes := range schema.Attributes {
		c.attributes[strings.ToLower(entity)] = shapeMap(shapes)
	}
	for _, op := range schema.Operations {
		c.snapshotOps[opKey(op.Operation, op.Name)] = op
		if op.AlternateName != "" {
			c.snapshotOps[opKey(op.Operation, op.AlternateName)] = op
		}
	}
	c.mu.Unlock()

	c.logger.Info("Exported schema loaded", "path", path, "entities", len(schema.Entities), "operations", len(schema.Operations))
	return nil
}

// GetEntity looks up an entity by logical name.
func (c *Cache) GetEntity(logicalName string) (EntityInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[strings.ToLower(logicalName)]
	return e, ok
}

// GetEntityBySetName looks up an entity by its Web API entity set name.
func (c *Cache) GetEntityBySetName(setName string) (EntityInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.bySet[strings.ToLower(setName)]
	return e, ok
}

// GetAttributeShapes returns every attribute shape of an entity, consulting
// memory, then the disk cache, then the live source. Concurrent first loads of
// the same entity share one fetch.
func (c *Cache) GetAttributeShapes(ctx context.Context, logicalName string) (map[string]AttributeShape, error) {
	return c.attributeShapes(ctx, logicalName, true)
}

func (c *Cache) attributeShapes(ctx context.Context, logicalName string, live bool) (map[string]AttributeShape, error) {
	key := strings.ToLower(logicalName)

	c.mu.RLock()
	shapes, ok := c.attributes[key]
	c.mu.RUnlock()
	if ok {
		return shapes, nil
	}

	flight := "attributes:" + key
	if !live {
		flight = "local-" + flight
	}
	v, err, _ := c.group.Do(flight, func() (any, error) {
		c.mu.RLock()
		shapes, ok := c.attributes[key]
		c.mu.RUnlock()
		if ok {
			return shapes, nil
		}

		name := filepath.Join("attributes", key+".json")
		var file attributeFile
		if c.readFresh(name, &file, func() time.Time { return file.SavedAt }) {
			return c.storeShapes(key, file.Attributes), nil
		}

		if !live || c.opts.Source == nil {
			return nil, ErrNoSource
		}
		fetched, err := c.opts.Source.FetchAttributes(ctx, logicalName)
		if err != nil {
			return nil, fmt.Errorf("fetch attributes of %s: %w", logicalName, err)
		}
		c.writeFile(name, attributeFile{SavedAt: time.Now().UTC(), Attributes: fetched})
		c.logger.Debug("Attribute shapes fetched", "entity", logicalName, "attributes", len(fetched))
		return c.storeShapes(key, fetched), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]AttributeShape), nil
}

// GetAttributeShape returns one attribute's shape. Lookup failures are logged
// and reported as not found so callers fall back to passthrough coercion.
func (c *Cache) GetAttributeShape(ctx context.Context, entity, attribute string) (AttributeShape, bool) {
	shapes, err := c.GetAttributeShapes(ctx, entity)
	if err != nil {
		c.logger.Debug("Attribute shapes unavailable", "entity", entity, "error", err)
		return AttributeShape{}, false
	}
	s, ok := shapes[strings.ToLower(attribute)]
	return s, ok
}

// Local returns a view of the cache that answers from memory and disk only.
// Offline invocations coerce values through it.
func (c *Cache) Local() LocalView {
	return LocalView{cache: c}
}

// LocalView resolves attribute shapes without reaching the live source.
type LocalView struct {
	cache *Cache
}

// GetAttributeShape returns one attribute's shape if it is already known.
func (v LocalView) GetAttributeShape(ctx context.Context, entity, attribute string) (AttributeShape, bool) {
	shapes, err := v.cache.attributeShapes(ctx, entity, false)
	if err != nil {
		return AttributeShape{}, false
	}
	s, ok := shapes[strings.ToLower(attribute)]
	return s, ok
}

// GetOperationParameter resolves a custom operation parameter from the offline
// snapshot, then the live source. Misses are cached for the cache's lifetime.
func (c *Cache) GetOperationParameter(ctx context.Context, operation, parameter string) (*OperationParameter, bool, error) {
	key := opKey(operation, parameter)

	c.mu.RLock()
	if op, ok := c.snapshotOps[key]; ok {
		c.mu.RUnlock()
		return &op, true, nil
	}
	cached, seen := c.operations[key]
	c.mu.RUnlock()
	if seen {
		return cached, cached != nil, nil
	}

	if c.opts.Source == nil {
		c.rememberOperation(key, nil)
		return nil, false, nil
	}

	v, err, _ := c.group.Do("operation:"+key, func() (any, error) {
		return c.opts.Source.FetchOperationParameter(ctx, operation, parameter)
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch parameter %s.%s: %w", operation, parameter, err)
	}
	op, _ := v.(*OperationParameter)
	c.rememberOperation(key, op)
	return op, op != nil, nil
}

func (c *Cache) rememberOperation(key string, op *OperationParameter) {
	c.mu.Lock()
	c.operations[key] = op
	c.mu.Unlock()
}

func (c *Cache) indexEntities(entities []EntityInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entities {
		c.byName[strings.ToLower(e.LogicalName)] = e
		if e.EntitySetName != "" {
			c.bySet[strings.ToLower(e.EntitySetName)] = e
		}
	}
}

func (c *Cache) storeShapes(key string, shapes []AttributeShape) map[string]AttributeShape {
	m := shapeMap(shapes)
	c.mu.Lock()
	c.attributes[key] = m
	c.mu.Unlock()
	return m
}

func shapeMap(shapes []AttributeShape) map[string]AttributeShape {
	m := make(map[string]AttributeShape, len(shapes))
	for _, s := range shapes {
		m[strings.ToLower(s.LogicalName)] = s
	}
	return m
}

func opKey(operation, parameter string) string {
	return strings.ToLower(operation) + "|" + strings.ToLower(parameter)
}

// readFresh decodes a disk cache file into v and reports whether it exists and
// is younger than the TTL.
func (c *Cache) readFresh(name string, v any, savedAt func() time.Time) bool {
	if c.opts.Dir == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(c.opts.Dir, name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("Ignoring corrupt metadata cache file", "file", name, "error", err)
		return false
	}
	return time.Since(savedAt()) < c.opts.TTL
}

func (c *Cache) writeFile(name string, v any) {
	if c.opts.Dir == "" {
		return
	}
	path := filepath.Join(c.opts.Dir, name)
	data, err := json.Marshal(v)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(path), 0o755)
	}
	if err == nil {
		err = os.WriteFile(path, data, 0o600)
	}
	if err != nil {
		c.logger.Warn("Failed to persist metadata cache file", "file", name, "error", err)
	}
}
