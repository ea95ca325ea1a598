package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/plugin-runner/internal/governance"
	"github.com/polisai/plugin-runner/pkg/config"
	"github.com/polisai/plugin-runner/pkg/dataaccess"
	"github.com/polisai/plugin-runner/pkg/loader"
	"github.com/polisai/plugin-runner/pkg/pipeline"
	"github.com/polisai/plugin-runner/pkg/policy"
	"github.com/polisai/plugin-runner/pkg/protocol"
	"github.com/polisai/plugin-runner/pkg/tracelog"
	"github.com/polisai/plugin-runner/pkg/workspace"
)

// SessionOptions wires a Session.
type SessionOptions struct {
	Config *config.RunnerConfig
	// Ring is the runner log ring. A new one sized from Config is created
	// when nil.
	Ring    *tracelog.Buffer
	Metrics *Metrics
	// Opener overrides how module files are opened; nil uses Go plugins.
	Opener loader.Opener
	// Guard overrides the write guard built from Config.Writes.PolicyFile.
	Guard  dataaccess.Guard
	Logger *slog.Logger
}

// Session is the runner's process-wide state, shared by every connection.
type Session struct {
	cfg      *config.RunnerConfig
	ring     *tracelog.Buffer
	metrics  *Metrics
	ws       *workspace.Manager
	engine   *pipeline.Engine
	identity dataaccess.Identity
	logger   *slog.Logger
	started  time.Time

	deltaBatch    atomic.Int64
	deltaInterval atomic.Int64
}

// NewSession builds the workspace manager, loader, write guard and
// pipeline engine described by opts.Config.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultRunnerConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ring := opts.Ring
	if ring == nil {
		ring = tracelog.NewBuffer(cfg.Trace.Capacity)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	guard := opts.Guard
	if guard == nil {
		evaluator, err := policy.NewDefaultEngine(ctx, cfg.Writes.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to build write guard: %w", err)
		}
		guard = policy.NewWriteGuard(evaluator, logger.With("category", tracelog.CategoryData))
	}

	l := loader.New(loader.Options{
		ModuleRoot: cfg.Modules.Root,
		ShadowDir:  cfg.Modules.ShadowDir,
		Opener:     opts.Opener,
		Logger:     logger,
		OnLoad:     metrics.ModuleLoaded,
	})

	var throttle *governance.Throttle
	if cfg.Live.Throttle.RequestsPerSecond > 0 {
		throttle = governance.NewThrottle(cfg.Live.Throttle)
	}
	ws := workspace.New(workspace.Options{
		Loader:          l,
		MetadataDir:     cfg.Metadata.CacheDir,
		MetadataTTL:     cfg.Metadata.TTL,
		PreloadMetadata: cfg.Metadata.Preload,
		ClientTimeout:   cfg.Live.Timeout,
		Retry:           cfg.Live.Retry,
		Breakers:        governance.NewBreakerSet(cfg.Live.Breaker),
		Throttle:        throttle,
		WatchModules:    cfg.Modules.Watch,
		Debounce:        cfg.Modules.Debounce,
		Logger:          logger,
	})
	metrics.RegisterOverlay(ws.Overlay().Count)

	identity := dataaccess.NewSyntheticIdentity()
	s := &Session{
		cfg:      cfg,
		ring:     ring,
		metrics:  metrics,
		ws:       ws,
		identity: identity,
		logger:   logger.With("category", tracelog.CategoryRunner),
		started:  time.Now(),
		engine: pipeline.NewEngine(pipeline.Options{
			Workspace:       ws,
			Guard:           guard,
			Identity:        identity,
			AllowLiveWrites: cfg.Writes.AllowLive,
			Observer:        metrics,
			Logger:          logger,
		}),
	}
	s.setDelta(cfg.Trace)
	return s, nil
}

// Start begins module file watching until ctx is done.
func (s *Session) Start(ctx context.Context) {
	s.ws.Start(ctx)
}

// Close releases watches and background loads.
func (s *Session) Close() error {
	return s.ws.Close()
}

// Workspace returns the workspace manager.
func (s *Session) Workspace() *workspace.Manager { return s.ws }

// Ring returns the runner log ring.
func (s *Session) Ring() *tracelog.Buffer { return s.ring }

// Metrics returns the session metrics.
func (s *Session) Metrics() *Metrics { return s.metrics }

// Identity returns the synthetic caller reported by offline WhoAmI.
func (s *Session) Identity() dataaccess.Identity { return s.identity }

// Health reports the runner status. The runner is Ready as soon as it
// accepts commands; a workspace with module errors reports Degraded.
func (s *Session) Health() protocol.HealthResponse {
	resp := protocol.HealthResponse{
		Status: protocol.StatusReady,
		Capabilities: protocol.Capabilities{
			TraceStreaming: true,
			ModuleCatalog:  true,
		},
		Version: protocol.Version,
	}
	switch s.ws.State() {
	case workspace.StateEmpty:
		resp.Message = "No workspace initialized"
	case workspace.StateDegraded:
		resp.Status = protocol.StatusDegraded
		resp.Message = "Workspace has module errors"
	default:
		env, _ := s.ws.Environment()
		resp.Message = fmt.Sprintf("Workspace ready for %s", env.OrgURL)
	}
	return resp
}

// ApplyConfig applies the runtime-safe settings of a reloaded configuration.
func (s *Session) ApplyConfig(prev, next *config.RunnerConfig) {
	for _, field := range config.RuntimeChanges(prev, next) {
		switch field {
		case "trace.capacity":
			if err := s.ring.Resize(next.Trace.Capacity); err != nil {
				s.logger.Warn("Trace capacity not applied", "error", err)
				continue
			}
		case "trace.delta":
			s.setDelta(next.Trace)
		default:
			continue
		}
		s.logger.Info("Configuration change applied", "field", field)
	}
}

func (s *Session) setDelta(cfg config.TraceConfig) {
	s.deltaBatch.Store(int64(cfg.DeltaBatchSize))
	s.deltaInterval.Store(int64(cfg.DeltaInterval))
}

// newRecorder creates the trace recorder for one invocation, mirrored into
// the ring under the plugin category.
func (s *Session) newRecorder(onDelta tracelog.DeltaFunc) *tracelog.Recorder {
	return tracelog.NewRecorder(tracelog.RecorderOptions{
		Mirror:    s.ring,
		Category:  tracelog.CategoryPlugin,
		OnDelta:   onDelta,
		BatchSize: int(s.deltaBatch.Load()),
		Interval:  time.Duration(s.deltaInterval.Load()),
	})
}
