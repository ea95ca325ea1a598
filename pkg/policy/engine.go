package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// DefaultModule is the built-in write guard.
const DefaultModule = `package runner.writes

default decision := {"action": "deny", "reason": "live writes are disabled for this runner"}

decision := {"action": "deny", "reason": "live writes require Online execution mode"} if {
	input.live_writes_enabled
	input.mode != "Online"
}

decision := {"action": "allow"} if {
	input.live_writes_enabled
	input.mode == "Online"
}
`

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default policy decision path (e.g. "runner/writes/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision memo. Zero selects the default
	// size; negative disables it.
	CacheMaxEntries int
}

// Engine evaluates write decisions using an embedded OPA instance.
type Engine struct {
	modules       map[string]string
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const (
	defaultEntrypoint    = "runner/writes/decision"
	defaultCacheCapacity = 1024
)

// NewEngine constructs an Engine for the supplied modules and entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleCopy := make(map[string]string, len(opts.Modules))
	moduleOrder := make([]string, 0, len(opts.Modules))
	for name, src := range opts.Modules {
		moduleCopy[name] = src
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(moduleCopy))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, moduleCopy[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		modules:       moduleCopy,
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// NewDefaultEngine builds an engine from a policy file, or from DefaultModule
// when path is empty.
func NewDefaultEngine(ctx context.Context, path string) (*Engine, error) {
	src := DefaultModule
	name := "runner_writes.rego"
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read write guard policy: %w", err)
		}
		src, name = string(data), path
	}
	return NewEngine(ctx, EngineOptions{Modules: map[string]string{name: src}})
}

// Evaluate executes the policy using the supplied input and converts the result.
func (e *Engine) Evaluate(ctx context.Context, input WriteInput) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	payload := map[string]any{
		"operation":           input.Operation,
		"entity":              strings.ToLower(input.Entity),
		"org_url":             input.OrgURL,
		"mode":                input.Mode,
		"write_mode":          input.WriteMode,
		"live_writes_enabled": input.LiveWritesEnabled,
	}

	key, memo := e.memoKey(entry, input)
	if memo {
		if cached, ok := e.cache.get(key); ok {
			return cached, nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	// An undefined decision denies; the guard never opens by omission.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionDeny, Reason: "write guard returned no decision", Metadata: map[string]string{}}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	action, err := parseAction(decisionPayload["action"])
	if err != nil {
		return Decision{}, err
	}
	reason, _ := decisionPayload["reason"].(string)

	decision := Decision{Action: action, Reason: reason, Metadata: parseMetadata(decisionPayload["metadata"])}
	if memo {
		e.cache.put(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.clear()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// decisionKey identifies an evaluation. Inputs are few and low-cardinality
// so the key is the input itself.
type decisionKey struct {
	entry, operation, entity, org, mode, writeMode string
	live                                           bool
}

func (e *Engine) memoKey(entry string, input WriteInput) (decisionKey, bool) {
	if e.cache == nil || input.DisableCache {
		return decisionKey{}, false
	}
	return decisionKey{
		entry:     entry,
		operation: strings.ToLower(input.Operation),
		entity:    strings.ToLower(input.Entity),
		org:       strings.ToLower(input.OrgURL),
		mode:      input.Mode,
		writeMode: input.WriteMode,
		live:      input.LiveWritesEnabled,
	}, true
}

// decisionCache memoizes decisions. It is cleared wholesale when full.
type decisionCache struct {
	mu      sync.RWMutex
	max     int
	entries map[decisionKey]Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{max: capacity, entries: make(map[decisionKey]Decision)}
}

func (c *decisionCache) get(key decisionKey) (Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	d.Metadata = maps.Clone(d.Metadata)
	return d, true
}

func (c *decisionCache) put(key decisionKey, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		clear(c.entries)
	}
	d.Metadata = maps.Clone(d.Metadata)
	c.entries[key] = d
}

func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionDeny, nil
	}
	text, ok := value.(string)
	if !ok {
		return Action(""), fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionDeny, "block":
		return ActionDeny, nil
	default:
		return Action(""), fmt.Errorf("opa decision: unknown action %q", text)
	}
}

func parseMetadata(value any) map[string]string {
	typed, ok := value.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	result := make(map[string]string, len(typed))
	for key, raw := range typed {
		if str, ok := raw.(string); ok {
			result[key] = str
		}
	}
	return result
}
