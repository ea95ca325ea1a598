package governance

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ThrottleConfig bounds the request rate toward one organization.
type ThrottleConfig struct {
	// RequestsPerSecond is the sustained rate; zero disables throttling.
	RequestsPerSecond int `yaml:"requests_per_second"`
	// Burst is the bucket capacity; zero means RequestsPerSecond.
	Burst int `yaml:"burst"`
}

// Throttle keeps one token bucket per organization key.
type Throttle struct {
	mu      sync.Mutex
	config  ThrottleConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewThrottle creates a throttle. A zero rate lets everything through.
func NewThrottle(config ThrottleConfig) *Throttle {
	return &Throttle{config: config, buckets: make(map[string]*tokenBucket), now: time.Now}
}

// Allow takes a token for key without waiting.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.config.RequestsPerSecond <= 0 {
		return true
	}
	ok, _ := t.bucket(key).take(t.now())
	return ok
}

// Wait blocks until a token for key is available or ctx is done.
func (t *Throttle) Wait(ctx context.Context, key string) error {
	if t == nil || t.config.RequestsPerSecond <= 0 {
		return nil
	}
	b := t.bucket(key)
	for {
		ok, wait := b.take(t.now())
		if ok {
			return nil
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

// ThrottleStats exposes current state of a bucket.
type ThrottleStats struct {
	Limit     int     `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// Stats returns current statistics for every organization.
func (t *Throttle) Stats() map[string]ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make(map[string]ThrottleStats, len(t.buckets))
	for k, b := range t.buckets {
		out[k] = b.stats(now)
	}
	return out
}

func (t *Throttle) bucket(key string) *tokenBucket {
	key = strings.ToLower(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		b = newTokenBucket(t.config.RequestsPerSecond, t.config.Burst, t.now())
		t.buckets[key] = b
	}
	return b
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64 // maximum burst size
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burst int, now time.Time) *tokenBucket {
	if burst <= 0 {
		burst = rps
	}
	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burst),
		tokens:     float64(burst),
		lastRefill: now,
	}
}

// take consumes one token, or reports how long until one is available.
func (tb *tokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}
	missing := 1.0 - tb.tokens
	return false, time.Duration(missing / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.rate)
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) ThrottleStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return ThrottleStats{Limit: int(tb.rate), BurstSize: int(tb.capacity), Available: tb.tokens}
}
