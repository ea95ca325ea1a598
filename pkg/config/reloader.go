package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/plugin-runner/pkg/watch"
)

// Reload outcomes passed to the reload observer.
const (
	ReloadSuccess          = "success"
	ReloadValidationFailed = "validation_failed"
)

// ChangeFunc receives the previous and the newly loaded configuration.
type ChangeFunc func(prev, next *RunnerConfig)

// Reloader reloads the config file when it changes and hands every valid
// revision to the change callback. An invalid revision is logged and the
// previous configuration stays current.
type Reloader struct {
	path     string
	logger   *slog.Logger
	onChange ChangeFunc
	watcher  *watch.Watcher

	mu          sync.RWMutex
	current     *RunnerConfig
	reloadCount int64
	lastReload  time.Time
	observer    func(status string)
}

// NewReloader creates a reloader for path starting from initial.
func NewReloader(path string, initial *RunnerConfig, onChange ChangeFunc, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{path: path, logger: logger, onChange: onChange, current: initial}
	w, err := watch.New(func(string) {
		if err := r.Reload(); err != nil {
			r.logger.Warn("Configuration reload rejected", "path", path, "error", err)
		}
	}, logger, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	r.watcher = w
	return r, nil
}

// SetObserver registers a callback for reload outcomes, typically a metric.
func (r *Reloader) SetObserver(observer func(status string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Start watches the config file until ctx is done.
func (r *Reloader) Start(ctx context.Context) error {
	if err := r.watcher.Watch(r.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.path, err)
	}
	r.watcher.Start(ctx)
	return nil
}

// Reload loads and validates the file and applies it.
func (r *Reloader) Reload() error {
	start := time.Now()
	next, err := Load(r.path)

	r.mu.Lock()
	observer := r.observer
	if err != nil {
		r.mu.Unlock()
		if observer != nil {
			observer(ReloadValidationFailed)
		}
		return err
	}
	prev := r.current
	r.current = next
	r.reloadCount++
	r.lastReload = time.Now()
	count := r.reloadCount
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(prev, next)
	}
	if observer != nil {
		observer(ReloadSuccess)
	}
	r.logger.Info("Configuration reloaded", "path", r.path, "duration", time.Since(start), "reload_count", count)
	return nil
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *RunnerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Close stops watching.
func (r *Reloader) Close() error {
	return r.watcher.Stop()
}

// RuntimeChanges names the fields that differ between prev and next and can
// be applied to a running process. Everything else needs a restart.
func RuntimeChanges(prev, next *RunnerConfig) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.Trace.Capacity != next.Trace.Capacity {
		changed = append(changed, "trace.capacity")
	}
	if prev.Trace.DeltaBatchSize != next.Trace.DeltaBatchSize || prev.Trace.DeltaInterval != next.Trace.DeltaInterval {
		changed = append(changed, "trace.delta")
	}
	if prev.Logging.Level != next.Logging.Level {
		changed = append(changed, "logging.level")
	}
	return changed
}
