package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = "closed"
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int `yaml:"max_failures"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenProbes is the number of successful probes that close the circuit.
	HalfOpenProbes int `yaml:"half_open_probes"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Breaker implements the circuit breaker pattern for one organization.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	now    func() time.Time

	state           BreakerState
	failures        int
	probes          int
	inFlightProbes  int
	openUntil       time.Time
	lastStateChange time.Time
}

// NewBreaker creates a circuit breaker with the provided configuration.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &Breaker{config: config, now: time.Now, state: StateClosed, lastStateChange: time.Now()}
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.MaxFailures == 0 {
		return nil
	}
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlightProbes >= b.config.HalfOpenProbes {
			return ErrCircuitOpen
		}
		b.inFlightProbes++
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", b.state)
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.MaxFailures == 0 {
		return
	}
	if errors.Is(err, context.Canceled) {
		if b.state == StateHalfOpen && b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		return
	}

	switch b.state {
	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.config.MaxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		if err != nil {
			b.transition(StateOpen)
			return
		}
		b.probes++
		if b.probes >= b.config.HalfOpenProbes {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) transition(state BreakerState) {
	if b.state == state {
		return
	}
	now := b.now()
	b.state = state
	b.lastStateChange = now
	b.failures = 0
	b.probes = 0
	b.inFlightProbes = 0
	if state == StateOpen {
		b.openUntil = now.Add(b.config.OpenTimeout)
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats exposes the breaker's state for diagnostics.
type BreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastStateChange     time.Time `json:"lastStateChange"`
	OpenUntil           time.Time `json:"openUntil,omitempty"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := BreakerStats{
		State:               string(b.state),
		ConsecutiveFailures: b.failures,
		LastStateChange:     b.lastStateChange,
	}
	if b.state == StateOpen {
		stats.OpenUntil = b.openUntil
	}
	return stats
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
}

// BreakerSet hands out one breaker per organization key.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set sharing one configuration.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *Breaker {
	key = strings.ToLower(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.config)
		s.breakers[key] = b
	}
	return b
}

// Stats returns a snapshot of every breaker keyed by organization.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerStats, len(s.breakers))
	for k, b := range s.breakers {
		out[k] = b.Stats()
	}
	return out
}

// ResetAll closes every circuit.
func (s *BreakerSet) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}
