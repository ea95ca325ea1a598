package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute, HalfOpenProbes: 1})
	b.now = clock.now

	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrCircuitOpen)

	clock.advance(time.Minute)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second})
	b.now = clock.now
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errors.New("down") })
	clock.advance(time.Second)
	_ = b.Execute(ctx, func(context.Context) error { return errors.New("still down") })
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, clock.t.Add(time.Second), b.Stats().OpenUntil)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1})
	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSet_KeysCaseInsensitively(t *testing.T) {
	s := NewBreakerSet(DefaultBreakerConfig())
	assert.Same(t, s.Get("https://Contoso.example.com"), s.Get("https://contoso.example.com"))
	assert.Len(t, s.Stats(), 1)
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	rp := NewRetryPolicy(DefaultRetryConfig())

	assert.True(t, rp.ShouldRetry(http.MethodGet, http.StatusServiceUnavailable, nil, 0))
	assert.False(t, rp.ShouldRetry(http.MethodPost, http.StatusServiceUnavailable, nil, 0))
	assert.True(t, rp.ShouldRetry(http.MethodPost, http.StatusTooManyRequests, nil, 0))
	assert.True(t, rp.ShouldRetry(http.MethodGet, 0, errors.New("reset"), 0))
	assert.False(t, rp.ShouldRetry(http.MethodGet, http.StatusNotFound, nil, 0))
	assert.False(t, rp.ShouldRetry(http.MethodGet, http.StatusServiceUnavailable, nil, 3))
	assert.False(t, rp.ShouldRetry(http.MethodGet, 0, ErrCircuitOpen, 0))
}

func TestRetryPolicy_DoHonoursRetryAfter(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Second})
	var slept []time.Duration
	rp.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	got, err := rp.Do(context.Background(), http.MethodPost, func(context.Context) (Attempt, error) {
		calls++
		if calls == 1 {
			return Attempt{StatusCode: http.StatusTooManyRequests, RetryAfter: 3 * time.Second}, nil
		}
		return Attempt{StatusCode: http.StatusNoContent}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, got.StatusCode)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)
}

func TestRetryPolicy_DoExhausts(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond})
	rp.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	got, err := rp.Do(context.Background(), http.MethodGet, func(context.Context) (Attempt, error) {
		calls++
		return Attempt{StatusCode: http.StatusServiceUnavailable}, nil
	})
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
	assert.Equal(t, http.StatusServiceUnavailable, got.StatusCode)
}

func TestRetryPolicy_NonRetryableStatusIsReturned(t *testing.T) {
	rp := NewRetryPolicy(DefaultRetryConfig())
	got, err := rp.Do(context.Background(), http.MethodGet, func(context.Context) (Attempt, error) {
		return Attempt{StatusCode: http.StatusNotFound}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Second, ParseRetryAfter("2", now))
	assert.Equal(t, 5*time.Second, ParseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
}

func TestThrottle_Bucket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(ThrottleConfig{RequestsPerSecond: 2, Burst: 2})
	th.now = clock.now

	assert.True(t, th.Allow("org"))
	assert.True(t, th.Allow("ORG"))
	assert.False(t, th.Allow("org"))
	assert.True(t, th.Allow("other"))

	clock.advance(500 * time.Millisecond)
	assert.True(t, th.Allow("org"))
	assert.Equal(t, 2, th.Stats()["org"].Limit)
}

func TestThrottle_DisabledAndCancelled(t *testing.T) {
	var nilThrottle *Throttle
	require.NoError(t, nilThrottle.Wait(context.Background(), "org"))

	th := NewThrottle(ThrottleConfig{RequestsPerSecond: 1})
	require.NoError(t, th.Wait(context.Background(), "org"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, th.Wait(ctx, "org"), context.Canceled)
}
