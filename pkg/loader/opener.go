package loader

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/polisai/plugin-runner/pkg/sdk"
)

// Opener turns a module file into its Register function.
type Opener interface {
	Open(path string) (sdk.RegisterFunc, error)
}

// PluginOpener opens Go plugins built with -buildmode=plugin.
type PluginOpener struct{}

// Open loads the plugin and looks up its exported Register function.
func (PluginOpener) Open(path string) (sdk.RegisterFunc, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(sdk.RegisterSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s exports no %s function: %w", path, sdk.RegisterSymbol, err)
	}
	switch fn := sym.(type) {
	case func(*sdk.Registry):
		return fn, nil
	case *func(*sdk.Registry):
		return *fn, nil
	default:
		return nil, fmt.Errorf("plugin %s: %s has type %T, want func(*sdk.Registry)", path, sdk.RegisterSymbol, sym)
	}
}

// StaticOpener serves modules linked into the runner binary, keyed by file
// name. It lets tests and embedded modules skip plugin.Open.
type StaticOpener struct {
	mu      sync.RWMutex
	modules map[string]sdk.RegisterFunc
}

// NewStaticOpener creates an empty StaticOpener.
func NewStaticOpener() *StaticOpener {
	return &StaticOpener{modules: make(map[string]sdk.RegisterFunc)}
}

// Add registers fn for module files named fileName.
func (s *StaticOpener) Add(fileName string, fn sdk.RegisterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[strings.ToLower(fileName)] = fn
}

// Open returns the Register function for path's file name.
func (s *StaticOpener) Open(path string) (sdk.RegisterFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.modules[strings.ToLower(filepath.Base(path))]
	if !ok {
		return nil, fmt.Errorf("no linked module named %s", filepath.Base(path))
	}
	return fn, nil
}

// ChainOpener tries each opener in order and returns the first success.
type ChainOpener []Opener

// Open implements Opener.
func (c ChainOpener) Open(path string) (sdk.RegisterFunc, error) {
	var errs []string
	for _, o := range c {
		fn, err := o.Open(path)
		if err == nil {
			return fn, nil
		}
		errs = append(errs, err.Error())
	}
	return nil, fmt.Errorf("open %s: %s", path, strings.Join(errs, "; "))
}
