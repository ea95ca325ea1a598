package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// idempotentMethods lists HTTP methods that are safe to retry after a failure.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// IsIdempotent reports whether method may be replayed.
func IsIdempotent(method string) bool {
	return idempotentMethods[strings.ToUpper(method)]
}

// RetryConfig defines retry behavior for live organization calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps every delay, including server supplied Retry-After hints.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter adds up to 25% randomness to computed delays.
	Jitter bool `yaml:"jitter"`
	// RetryableStatusCodes defines which HTTP status codes trigger retries.
	RetryableStatusCodes map[int]bool `yaml:"-"`
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:     true, // 408
			http.StatusTooManyRequests:    true, // 429
			http.StatusBadGateway:         true, // 502
			http.StatusServiceUnavailable: true, // 503
			http.StatusGatewayTimeout:     true, // 504
		},
	}
}

// Attempt is the outcome of one call.
type Attempt struct {
	StatusCode int
	// RetryAfter is the server's throttling hint, zero when absent.
	RetryAfter time.Duration
}

// RetryPolicy determines if and when a call is retried.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	return &RetryPolicy{config: config, sleep: sleepContext}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (zero based) should be followed by
// another. A 429 is retried for every method: a throttled request was never
// processed. Other failures are retried for idempotent methods only.
func (rp *RetryPolicy) ShouldRetry(method string, status int, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if !IsIdempotent(method) {
		return false
	}
	if err != nil && status == 0 {
		return true
	}
	return rp.config.RetryableStatusCodes[status]
}

// Backoff returns the delay before retry number attempt+1. A server hint
// wins over the computed delay; both are capped by MaxBackoff.
func (rp *RetryPolicy) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, rp.config.MaxBackoff)
	}
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds, returns a non-retryable outcome, or the
// retries are exhausted. A 2xx/3xx status with a nil error is success. A
// non-retryable status comes back with a nil error for the caller to map.
func (rp *RetryPolicy) Do(ctx context.Context, method string, fn func(ctx context.Context) (Attempt, error)) (Attempt, error) {
	var (
		last Attempt
		err  error
	)
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, ctxErr
		}

		last, err = fn(ctx)
		if err == nil && last.StatusCode < 400 {
			return last, nil
		}
		if !rp.ShouldRetry(method, last.StatusCode, err, attempt) {
			if attempt > 0 && attempt >= rp.config.MaxRetries {
				if err == nil {
					err = fmt.Errorf("status %d", last.StatusCode)
				}
				return last, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt+1, err)
			}
			return last, err
		}
		if sleepErr := rp.sleep(ctx, rp.Backoff(attempt, last.RetryAfter)); sleepErr != nil {
			return last, sleepErr
		}
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
