package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailink/gateway/internal/runtime/cache"
)

func TestBreakerAllowsWhenClosed(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	breaker := NewBreaker(c.(cache.Counter), c, BreakerPolicy{})

	allowed, probe, err := breaker.Allow(context.Background(), "token-a", "https://a")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.False(t, probe)
}

func TestBreakerOpensAfterFailThreshold(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	breaker := NewBreaker(c.(cache.Counter), c, BreakerPolicy{FailThreshold: 3, FailWindow: time.Minute, CoolDown: time.Hour})
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	allowed, _, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	assert.True(t, allowed, "breaker should still be closed below threshold")

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	allowed, probe, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.False(t, probe)
}

func TestBreakerHalfOpenAfterCoolDownThenClosesOnSuccess(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	breaker := NewBreaker(c.(cache.Counter), c, BreakerPolicy{FailThreshold: 1, FailWindow: time.Minute, CoolDown: 30 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	allowed, _, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(40 * time.Millisecond)

	allowed, probe, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, probe)

	// a concurrent caller must not also win the probe slot
	allowed2, probe2, err2 := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err2)
	assert.False(t, allowed2)
	assert.False(t, probe2)

	require.NoError(t, breaker.RecordSuccess(ctx, "token-a", "https://a", probe))

	allowed3, probe3, err3 := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err3)
	assert.True(t, allowed3)
	assert.False(t, probe3)
}

func TestBreakerDoublesCoolDownOnFailedProbe(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	breaker := NewBreaker(c.(cache.Counter), c, BreakerPolicy{FailThreshold: 1, FailWindow: time.Minute, CoolDown: 20 * time.Millisecond, CoolDownCeil: time.Hour})
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	time.Sleep(30 * time.Millisecond)

	_, probe, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	require.True(t, probe)

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", probe))

	// still open immediately after the failed probe, with a doubled cool-down
	allowed, _, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	assert.False(t, allowed)

	// original cool-down was 20ms; doubled is 40ms, so it should still be
	// open shortly after the first window would have elapsed
	time.Sleep(25 * time.Millisecond)
	allowed, _, err = breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	assert.False(t, allowed, "doubled cool-down should not have elapsed yet")
}

func TestBreakerIsolatesUpstreamsIndependently(t *testing.T) {
	c := cache.NewMemory(time.Minute)
	breaker := NewBreaker(c.(cache.Counter), c, BreakerPolicy{FailThreshold: 1, FailWindow: time.Minute, CoolDown: time.Hour})
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))

	allowedA, _, err := breaker.Allow(ctx, "token-a", "https://a")
	require.NoError(t, err)
	assert.False(t, allowedA)

	allowedB, _, err := breaker.Allow(ctx, "token-a", "https://b")
	require.NoError(t, err)
	assert.True(t, allowedB)
}
