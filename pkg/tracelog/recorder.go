package tracelog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeltaFunc receives trace lines recorded since the previous delta.
type DeltaFunc func(lines []string)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// Mirror receives every line under Category. Optional.
	Mirror   *Buffer
	Category string

	// OnDelta is called with pending lines once BatchSize lines accumulate or
	// Interval has passed since the last delta. Optional.
	OnDelta   DeltaFunc
	BatchSize int
	Interval  time.Duration
}

// Recorder captures the trace of one invocation. The complete line list is
// always available from Lines, whatever happened to intermediate deltas.
type Recorder struct {
	opts      RecorderOptions
	lines     []string
	flushed   int
	lastFlush time.Time
	mu        sync.Mutex
}

// NewRecorder creates a Recorder.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Category == "" {
		opts.Category = CategoryPlugin
	}
	return &Recorder{opts: opts, lastFlush: time.Now()}
}

// Trace implements sdk.TracingService.
func (r *Recorder) Trace(format string, args ...any) {
	if len(args) == 0 {
		r.Add(format)
		return
	}
	r.Add(fmt.Sprintf(format, args...))
}

// Add records one line.
func (r *Recorder) Add(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	pending := r.duePendingLocked()
	r.mu.Unlock()

	if r.opts.Mirror != nil {
		r.opts.Mirror.Append(slog.LevelInfo, r.opts.Category, line)
	}
	if len(pending) > 0 {
		r.opts.OnDelta(pending)
	}
}

// Flush emits any lines not yet sent as a delta.
func (r *Recorder) Flush() {
	if r.opts.OnDelta == nil {
		return
	}
	r.mu.Lock()
	pending := r.takePendingLocked()
	r.mu.Unlock()

	if len(pending) > 0 {
		r.opts.OnDelta(pending)
	}
}

// Lines returns a copy of every recorded line.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.lines...)
}

// Len returns the number of recorded lines.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func (r *Recorder) duePendingLocked() []string {
	if r.opts.OnDelta == nil {
		return nil
	}
	pending := len(r.lines) - r.flushed
	byCount := r.opts.BatchSize > 0 && pending >= r.opts.BatchSize
	byTime := r.opts.Interval > 0 && time.Since(r.lastFlush) >= r.opts.Interval
	if !byCount && !byTime {
		return nil
	}
	return r.takePendingLocked()
}

func (r *Recorder) takePendingLocked() []string {
	if r.flushed >= len(r.lines) {
		return nil
	}
	pending := append([]string(nil), r.lines[r.flushed:]...)
	r.flushed = len(r.lines)
	r.lastFlush = time.Now()
	return pending
}
