package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/plugin-runner/internal/governance"
	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/metadata"
	"github.com/polisai/plugin-runner/pkg/sdk"
	"github.com/polisai/plugin-runner/pkg/storage"
	"github.com/polisai/plugin-runner/pkg/watch"
	"github.com/polisai/plugin-runner/pkg/webapi"
)

// ValidatedMessage is reported by a successful Initialize.
const ValidatedMessage = "Workspace validated"

// State is the readiness of the workspace.
type State string

const (
	StateEmpty    State = "Empty"
	StateReady    State = "Ready"
	StateDegraded State = "Degraded"
)

// TypeInfo is a plugin type declared by a workspace module.
type TypeInfo struct {
	Name   string
	Module string
}

// StepBinding is a step registration together with the module declaring it.
type StepBinding struct {
	Module string
	sdk.StepRegistration
}

// Result describes a completed Initialize.
type Result struct {
	State   State
	Message string
	Types   []TypeInfo
	Steps   []StepBinding
}

// Options configures a Manager.
type Options struct {
	Loader  *loader.Loader
	Overlay storage.OverlayStore

	// MetadataDir is the root of the per-organization metadata disk cache.
	MetadataDir string
	MetadataTTL time.Duration
	// PreloadMetadata loads the entity index in the background after every
	// successful Initialize.
	PreloadMetadata bool

	ClientTimeout time.Duration
	Retry         governance.RetryConfig
	Breakers      *governance.BreakerSet
	Throttle      *governance.Throttle

	// WatchModules re-arms file watches over the manifest modules.
	WatchModules bool
	Debounce     time.Duration

	Logger *slog.Logger
}

// Manager owns the active environment. Initialize and Reset are serialized;
// accessors may be called concurrently.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	loader  *loader.Loader
	overlay storage.OverlayStore
	watcher *watch.Watcher

	mu       sync.RWMutex
	env      *domain.Environment
	manifest domain.Manifest
	client   *webapi.Client
	cache    *metadata.Cache
	types    []TypeInfo
	steps    []StepBinding
	state    State
	preload  context.CancelFunc

	// remotes holds connections to organizations other than the active one,
	// keyed by org key and token.
	remotes map[string]remoteOrg
	group   singleflight.Group
}

type remoteOrg struct {
	client *webapi.Client
	cache  *metadata.Cache
}

// New creates a Manager with no active environment.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Loader == nil {
		opts.Loader = loader.New(loader.Options{Logger: logger})
	}
	if opts.Overlay == nil {
		opts.Overlay = storage.NewMemoryOverlayStore()
	}
	if opts.Breakers == nil {
		opts.Breakers = governance.NewBreakerSet(governance.DefaultBreakerConfig())
	}

	m := &Manager{
		opts:    opts,
		logger:  logger.With("category", "workspace"),
		loader:  opts.Loader,
		overlay: opts.Overlay,
		state:   StateEmpty,
		remotes: map[string]remoteOrg{},
	}
	if opts.WatchModules {
		w, err := watch.New(m.moduleChanged, logger, opts.Debounce)
		if err != nil {
			m.logger.Warn("Module file watching disabled", "error", err)
		} else {
			m.watcher = w
		}
	}
	return m
}

// Start begins delivering module file events until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.watcher != nil {
		m.watcher.Start(ctx)
	}
}

// Close stops file watching and any background metadata load.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.preload != nil {
		m.preload()
		m.preload = nil
	}
	m.mu.Unlock()
	if m.watcher != nil {
		return m.watcher.Stop()
	}
	return nil
}

func (m *Manager) moduleChanged(path string) {
	if n := m.loader.Invalidate(path); n > 0 {
		m.logger.Info("Module changed on disk", "module", path, "handles", n)
	}
}

// Initialize activates env with the modules of manifest. Validation failures
// leave the previous workspace untouched.
func (m *Manager) Initialize(ctx context.Context, env domain.Environment, manifest domain.Manifest) (*Result, error) {
	if strings.TrimSpace(env.OrgURL) == "" {
		return nil, domain.NewError(domain.ErrConfigInvalid, domain.CodeConfigInvalid, "OrgUrl is required")
	}

	resolved := make([]string, 0, len(manifest.Modules))
	for _, spec := range manifest.Modules {
		path, err := m.loader.Resolve(spec.Path)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, path)
	}

	client, cache, err := m.connect(env)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.env == nil || !strings.EqualFold(m.env.OrgKey(), env.OrgKey()) {
		if m.env != nil {
			m.logger.InfoContext(ctx, "Organization changed, clearing overlay", "from", m.env.OrgURL, "to", env.OrgURL)
		}
		m.overlay.Reset()
	}
	if m.preload != nil {
		m.preload()
		m.preload = nil
	}

	m.loader.SetManifest(manifest)

	result := &Result{State: StateReady, Message: ValidatedMessage, Types: []TypeInfo{}, Steps: []StepBinding{}}
	var failures []string
	for _, path := range resolved {
		mod, err := m.loader.Open(ctx, path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", filepath.Base(path), err))
			m.logger.WarnContext(ctx, "Module could not be opened", "module", path, "error", err)
			continue
		}
		for _, t := range mod.Types {
			result.Types = append(result.Types, TypeInfo{Name: t.Name, Module: path})
		}
		for _, s := range mod.Steps {
			result.Steps = append(result.Steps, StepBinding{Module: path, StepRegistration: s})
		}
	}
	sortSteps(result.Steps)
	if len(failures) > 0 {
		result.State = StateDegraded
		result.Message = fmt.Sprintf("%s with %d module error(s): %s", ValidatedMessage, len(failures), strings.Join(failures, "; "))
	}

	if m.watcher != nil {
		m.watcher.Clear()
		if err := m.watcher.Watch(resolved...); err != nil {
			m.logger.WarnContext(ctx, "Module watch failed", "error", err)
		}
	}

	if env.SchemaPath != "" {
		if err := cache.LoadExportedSchema(env.SchemaPath); err != nil {
			m.logger.WarnContext(ctx, "Schema export not loaded", "path", env.SchemaPath, "error", err)
		}
	}
	if m.opts.PreloadMetadata && !isOffline(env) {
		m.preload = m.preloadIndex(cache)
	}

	active := env
	m.env = &active
	m.manifest = manifest
	m.client = client
	m.cache = cache
	m.types = result.Types
	m.steps = result.Steps
	m.state = result.State

	m.logger.InfoContext(ctx, "Workspace initialized",
		"org", env.OrgURL, "modules", len(resolved), "types", len(result.Types), "steps", len(result.Steps), "state", string(result.State))
	return result, nil
}

// connect builds the live client and metadata cache for env.
func (m *Manager) connect(env domain.Environment) (*webapi.Client, *metadata.Cache, error) {
	client, err := webapi.New(webapi.Options{
		OrgURL:      env.OrgURL,
		AccessToken: env.AccessToken,
		Timeout:     m.opts.ClientTimeout,
		Retry:       m.opts.Retry,
		Breakers:    m.opts.Breakers,
		Throttle:    m.opts.Throttle,
		Logger:      m.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	var dir string
	if m.opts.MetadataDir != "" {
		dir = filepath.Join(m.opts.MetadataDir, env.OrgKey())
	}
	cache := metadata.New(metadata.Options{
		Dir:    dir,
		Source: client,
		TTL:    m.opts.MetadataTTL,
		Logger: m.logger,
	})
	client.UseMetadata(cache, cache)
	return client, cache, nil
}

func (m *Manager) preloadIndex(cache *metadata.Cache) context.CancelFunc {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	go func() {
		defer cancel()
		if err := cache.LoadIndex(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Metadata index not loaded", "error", err)
		}
	}()
	return cancel
}

// Reset drops the environment, every module handle, the overlay and the
// metadata cache.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preload != nil {
		m.preload()
		m.preload = nil
	}
	if m.cache != nil {
		m.cache.Reset()
	}
	for key, r := range m.remotes {
		r.cache.Reset()
		delete(m.remotes, key)
	}
	if m.watcher != nil {
		m.watcher.Clear()
	}
	m.loader.SetManifest(domain.Manifest{})
	m.overlay.Reset()
	m.env = nil
	m.manifest = domain.Manifest{}
	m.client = nil
	m.cache = nil
	m.types = nil
	m.steps = nil
	m.state = StateEmpty
	m.logger.Info("Workspace reset")
}

// Environment returns the active environment.
func (m *Manager) Environment() (domain.Environment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.env == nil {
		return domain.Environment{}, false
	}
	return *m.env, true
}

// State returns the workspace readiness.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Client returns the live client of the active environment, or nil.
func (m *Manager) Client() *webapi.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// ClientFor returns the active client when orgURL names the active
// organization, or a client for orgURL with token otherwise. Clients for
// other organizations are kept until Reset.
func (m *Manager) ClientFor(orgURL, token string) (*webapi.Client, *metadata.Cache, error) {
	m.mu.RLock()
	env, client, cache := m.env, m.client, m.cache
	m.mu.RUnlock()

	if orgURL == "" && env != nil {
		return client, cache, nil
	}
	candidate := domain.Environment{OrgURL: orgURL, AccessToken: token}
	if env != nil && strings.EqualFold(env.OrgKey(), candidate.OrgKey()) && (token == "" || token == env.AccessToken) {
		return client, cache, nil
	}
	if orgURL == "" {
		return nil, nil, nil
	}
	return m.remote(candidate)
}

func (m *Manager) remote(env domain.Environment) (*webapi.Client, *metadata.Cache, error) {
	key := env.OrgKey() + "|" + env.AccessToken
	m.mu.RLock()
	r, ok := m.remotes[key]
	m.mu.RUnlock()
	if ok {
		return r.client, r.cache, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		r, ok := m.remotes[key]
		m.mu.RUnlock()
		if ok {
			return r, nil
		}
		client, cache, err := m.connect(env)
		if err != nil {
			return nil, err
		}
		r = remoteOrg{client: client, cache: cache}
		m.mu.Lock()
		m.remotes[key] = r
		m.mu.Unlock()
		m.logger.Debug("Remote organization connected", "org", env.OrgURL)
		return r, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r = v.(remoteOrg)
	return r.client, r.cache, nil
}

// Metadata returns the metadata cache of the active environment, or nil.
func (m *Manager) Metadata() *metadata.Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// Overlay returns the session overlay.
func (m *Manager) Overlay() storage.OverlayStore {
	return m.overlay
}

// Loader returns the module loader.
func (m *Manager) Loader() *loader.Loader {
	return m.loader
}

// Types returns the declared types of the active modules.
func (m *Manager) Types() []TypeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TypeInfo(nil), m.types...)
}

// Steps returns the steps registered for message on entity, ordered by
// stage then rank. Steps without an entity match every entity.
func (m *Manager) Steps(message, entity string) []StepBinding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StepBinding
	for _, s := range m.steps {
		if !strings.EqualFold(s.MessageName, message) {
			continue
		}
		if s.EntityName != "" && !strings.EqualFold(s.EntityName, entity) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Translator returns a Web API translator bound to the active metadata.
// Offline translators coerce values with locally known shapes only.
func (m *Manager) Translator(offline bool) webapi.Translator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := &webapi.DefaultTranslator{}
	if m.env != nil {
		t.OrgURL = m.env.OrgURL
	}
	if m.cache != nil {
		t.Names = webapi.Names{Sets: m.cache}
		if offline {
			t.Coercer = dataaccess.NewCoercer(m.cache.Local())
		} else {
			t.Coercer = dataaccess.NewCoercer(m.cache)
		}
	}
	return t
}

func isOffline(env domain.Environment) bool {
	mode, err := execmode.ParseMode(env.ExecutionMode)
	return err == nil && mode == execmode.Offline
}

func sortSteps(steps []StepBinding) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Stage != steps[j].Stage {
			return steps[i].Stage < steps[j].Stage
		}
		return steps[i].Rank < steps[j].Rank
	})
}
