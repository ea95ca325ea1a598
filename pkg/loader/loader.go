package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/sdk"
)

// FileStamp identifies one version of a module file.
type FileStamp struct {
	Size    int64
	ModTime time.Time
}

func stampOf(info os.FileInfo) FileStamp {
	return FileStamp{Size: info.Size(), ModTime: info.ModTime()}
}

// Handle is a resolved plugin type ready to instantiate. Handles are shared
// across invocations; instances are not.
type Handle struct {
	ModulePath   string
	ShadowPath   string
	TypeName     string
	Constructors sdk.Constructors
	Steps        []sdk.StepRegistration
	Stamp        FileStamp
}

// Module is the declaration set of one opened module file.
type Module struct {
	Path       string
	ShadowPath string
	Types      []sdk.TypeRegistration
	Steps      []sdk.StepRegistration
}

// LoadResult labels a LoadModule outcome for metrics.
type LoadResult string

const (
	LoadCached   LoadResult = "cached"
	LoadOpened   LoadResult = "loaded"
	LoadNotFound LoadResult = "type_not_found"
	LoadFailed   LoadResult = "failed"
)

// Options configures a Loader.
type Options struct {
	// ModuleRoot is where relative module paths are looked up when they do
	// not resolve against the working directory.
	ModuleRoot string
	// ShadowDir receives the private copies modules are opened from.
	ShadowDir string
	// BaseDir is probed last for dependencies; defaults to the runner's
	// executable directory.
	BaseDir string
	Opener  Opener
	Logger  *slog.Logger
	// OnLoad observes every LoadModule outcome.
	OnLoad func(result LoadResult, elapsed time.Duration)
}

type handleKey struct {
	path     string
	typeName string
}

// Loader resolves, shadow-copies and opens modules and caches type handles
// per (path, type) until invalidated.
type Loader struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	manifest map[string]domain.ModuleSpec // by resolved path
	handles  map[handleKey]*Handle
	modules  map[string]*Module // by shadow path

	group singleflight.Group
}

// New creates a Loader.
func New(opts Options) *Loader {
	if opts.Opener == nil {
		opts.Opener = PluginOpener{}
	}
	if opts.ShadowDir == "" {
		opts.ShadowDir = filepath.Join(os.TempDir(), "plugin-runner", "shadow")
	}
	if opts.BaseDir == "" {
		if exe, err := os.Executable(); err == nil {
			opts.BaseDir = filepath.Dir(exe)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		opts:     opts,
		logger:   logger.With("category", "workspace"),
		manifest: make(map[string]domain.ModuleSpec),
		handles:  make(map[handleKey]*Handle),
		modules:  make(map[string]*Module),
	}
}

// SetManifest records the dependency declarations of the workspace modules
// and drops every cached handle.
func (l *Loader) SetManifest(manifest domain.Manifest) {
	specs := make(map[string]domain.ModuleSpec, len(manifest.Modules))
	for _, m := range manifest.Modules {
		if resolved, err := l.Resolve(m.Path); err == nil {
			specs[resolved] = m
		}
	}
	l.mu.Lock()
	l.manifest = specs
	l.handles = make(map[handleKey]*Handle)
	l.mu.Unlock()
}

// Resolve finds a module file: as given, then relative to the module root.
func (l *Loader) Resolve(path string) (string, error) {
	candidates := []string{path}
	if !filepath.IsAbs(path) && l.opts.ModuleRoot != "" {
		candidates = append(candidates, filepath.Join(l.opts.ModuleRoot, path))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(c)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}
	return "", domain.NewError(domain.ErrModuleNotFound, domain.CodeModuleNotFound, "Assembly not found: %s", path)
}

// LoadModule returns the handle for typeName in the module at path, opening
// the module on first use. The lookup is case-insensitive and covers the
// module's declared dependencies. Failures are never cached.
func (l *Loader) LoadModule(ctx context.Context, path, typeName string) (*Handle, error) {
	start := time.Now()
	h, result, err := l.loadModule(ctx, path, typeName)
	if l.opts.OnLoad != nil {
		l.opts.OnLoad(result, time.Since(start))
	}
	return h, err
}

func (l *Loader) loadModule(ctx context.Context, path, typeName string) (*Handle, LoadResult, error) {
	resolved, err := l.Resolve(path)
	if err != nil {
		return nil, LoadFailed, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, LoadFailed, fmt.Errorf("stat %s: %w", resolved, err)
	}
	stamp := stampOf(info)
	key := handleKey{path: resolved, typeName: strings.ToLower(typeName)}

	l.mu.RLock()
	h, ok := l.handles[key]
	l.mu.RUnlock()
	if ok && h.Stamp == stamp {
		return h, LoadCached, nil
	}

	v, err, _ := l.group.Do(key.path+"|"+key.typeName, func() (any, error) {
		l.mu.RLock()
		h, ok := l.handles[key]
		l.mu.RUnlock()
		if ok && h.Stamp == stamp {
			return h, nil
		}
		return l.open(ctx, resolved, typeName, stamp)
	})
	if err != nil {
		var nf *TypeNotFoundError
		if errors.As(err, &nf) {
			return nil, LoadNotFound, err
		}
		return nil, LoadFailed, err
	}

	h = v.(*Handle)
	l.mu.Lock()
	l.handles[key] = h
	l.mu.Unlock()
	return h, LoadOpened, nil
}

func (l *Loader) open(ctx context.Context, resolved, typeName string, stamp FileStamp) (*Handle, error) {
	l.mu.RLock()
	spec := l.manifest[resolved]
	l.mu.RUnlock()

	var loadErrors []string
	var modules []*Module
	for _, dep := range spec.Dependencies {
		depPath, err := l.resolveDependency(dep, resolved, spec.DependencyFolders)
		if err != nil {
			loadErrors = append(loadErrors, err.Error())
			continue
		}
		m, err := l.Open(ctx, depPath)
		if err != nil {
			loadErrors = append(loadErrors, err.Error())
			continue
		}
		modules = append(modules, m)
	}

	primary, err := l.Open(ctx, resolved)
	if err != nil {
		return nil, err
	}
	modules = append([]*Module{primary}, modules...)

	var candidates []string
	for _, m := range modules {
		for _, t := range m.Types {
			if strings.EqualFold(t.Name, typeName) {
				h := &Handle{
					ModulePath:   resolved,
					ShadowPath:   m.ShadowPath,
					TypeName:     t.Name,
					Constructors: t.Constructors,
					Stamp:        stamp,
				}
				for _, s := range m.Steps {
					if strings.EqualFold(s.TypeName, t.Name) {
						h.Steps = append(h.Steps, s)
					}
				}
				l.logger.DebugContext(ctx, "Plugin type resolved", "type", t.Name, "module", resolved, "shadow", m.ShadowPath)
				return h, nil
			}
			candidates = append(candidates, t.Name)
		}
	}
	return nil, newTypeNotFound(typeName, resolved, candidates, loadErrors)
}

// resolveDependency probes the declared dependency folders, the depending
// module's directory and finally the runner's base directory.
func (l *Loader) resolveDependency(dep, owner string, folders []string) (string, error) {
	if filepath.IsAbs(dep) {
		if _, err := os.Stat(dep); err == nil {
			return dep, nil
		}
	}
	probe := append([]string{}, folders...)
	probe = append(probe, filepath.Dir(owner))
	if l.opts.BaseDir != "" {
		probe = append(probe, l.opts.BaseDir)
	}
	for _, dir := range probe {
		candidate := filepath.Join(dir, dep)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("dependency %s not found in %s", dep, strings.Join(probe, ", "))
}

// Open shadow-copies the module at resolved and collects its declarations.
// Modules are cached by shadow path, which embeds the content hash, so an
// unchanged file is opened once.
func (l *Loader) Open(ctx context.Context, resolved string) (*Module, error) {
	shadow, err := l.shadowCopy(resolved)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	m, ok := l.modules[shadow]
	l.mu.RUnlock()
	if ok {
		return &Module{Path: resolved, ShadowPath: m.ShadowPath, Types: m.Types, Steps: m.Steps}, nil
	}

	v, err, _ := l.group.Do("module|"+shadow, func() (any, error) {
		register, err := l.opts.Opener.Open(shadow)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrModuleFault, err)
		}
		registry, err := runRegister(register)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", resolved, err)
		}
		m := &Module{Path: resolved, ShadowPath: shadow, Types: registry.Types(), Steps: registry.Steps()}
		l.mu.Lock()
		l.modules[shadow] = m
		l.mu.Unlock()
		l.logger.InfoContext(ctx, "Module opened", "module", resolved, "types", len(m.Types), "steps", len(m.Steps))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

func runRegister(register sdk.RegisterFunc) (registry *sdk.Registry, err error) {
	registry = sdk.NewRegistry()
	defer func() {
		if r := recover(); r != nil {
			registry = nil
			err = domain.NewError(domain.ErrModuleFault, domain.CodeModuleFault, "Register panicked: %v\n%s", r, debug.Stack())
		}
	}()
	register(registry)
	return registry, nil
}

// shadowCopy copies the module into <ShadowDir>/<content hash>/<name> unless
// that copy already exists. The original file stays free to be rebuilt.
func (l *Loader) shadowCopy(resolved string) (string, error) {
	src, err := os.Open(resolved)
	if err != nil {
		return "", domain.NewError(domain.ErrModuleNotFound, domain.CodeModuleNotFound, "Assembly not found: %s", resolved)
	}
	defer func() { _ = src.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, src); err != nil {
		return "", fmt.Errorf("hash %s: %w", resolved, err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))[:16]
	dir := filepath.Join(l.opts.ShadowDir, hash)
	dst := filepath.Join(dir, filepath.Base(resolved))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shadow dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".copy-*")
	if err != nil {
		return "", fmt.Errorf("create shadow copy: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("copy %s: %w", resolved, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("place shadow copy: %w", err)
	}
	l.logger.Debug("Module shadow-copied", "module", resolved, "shadow", dst)
	return dst, nil
}

// Invalidate drops the handles of the module at path.
func (l *Loader) Invalidate(path string) int {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for k := range l.handles {
		if k.path == abs {
			delete(l.handles, k)
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Info("Module handles invalidated", "module", abs, "handles", dropped)
	}
	return dropped
}

// Reset drops every cached handle.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = make(map[handleKey]*Handle)
}

// CachedHandles returns the number of cached handles.
func (l *Loader) CachedHandles() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handles)
}
