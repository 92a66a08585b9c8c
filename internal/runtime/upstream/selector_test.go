package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailink/gateway/internal/runtime/cache"
)

func newTestBreaker() (*Breaker, cache.DecisionCache) {
	c := cache.NewMemory(time.Minute)
	counter := c.(cache.Counter)
	return NewBreaker(counter, c, BreakerPolicy{FailThreshold: 2, FailWindow: time.Minute, CoolDown: 50 * time.Millisecond, HalfOpenWindow: time.Second}), c
}

func TestSelectPicksLowestHealthyPriority(t *testing.T) {
	breaker, _ := newTestBreaker()
	sel := NewSelector(breaker)
	pool := []Target{
		{URL: "https://a", Priority: 1, Weight: 1},
		{URL: "https://b", Priority: 2, Weight: 1},
	}

	target, ok, _, err := sel.Select(context.Background(), "token-a", pool, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://a", target.URL)
}

func TestSelectSkipsOpenBreakerAndFallsBackToNextPriority(t *testing.T) {
	breaker, _ := newTestBreaker()
	sel := NewSelector(breaker)
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))

	pool := []Target{
		{URL: "https://a", Priority: 1, Weight: 1},
		{URL: "https://b", Priority: 2, Weight: 1},
	}
	target, ok, openFor, err := sel.Select(ctx, "token-a", pool, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://b", target.URL)
	assert.Contains(t, openFor, "https://a")
}

func TestSelectExhaustedWhenAllPrioritiesUnhealthy(t *testing.T) {
	breaker, _ := newTestBreaker()
	sel := NewSelector(breaker)
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))

	pool := []Target{{URL: "https://a", Priority: 1, Weight: 1}}
	_, ok, _, err := sel.Select(ctx, "token-a", pool, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	breaker, _ := newTestBreaker()
	sel := NewSelector(breaker)
	ctx := context.Background()

	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))
	require.NoError(t, breaker.RecordFailure(ctx, "token-a", "https://a", false))

	time.Sleep(60 * time.Millisecond) // cool-down elapses

	pool := []Target{{URL: "https://a", Priority: 1, Weight: 1}}
	target, ok, _, err := sel.Select(ctx, "token-a", pool, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://a", target.URL)

	// a second concurrent selector call should not win the same probe slot
	_, ok2, _, err2 := sel.Select(ctx, "token-a", pool, nil)
	require.NoError(t, err2)
	assert.False(t, ok2)
}

func TestWeightedPickFavorsHigherWeight(t *testing.T) {
	breaker, _ := newTestBreaker()
	sel := NewSelector(breaker)
	pool := []Target{
		{URL: "https://heavy", Priority: 1, Weight: 99},
		{URL: "https://light", Priority: 1, Weight: 1},
	}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		target, ok, _, err := sel.Select(context.Background(), "token-b", pool, nil)
		require.NoError(t, err)
		require.True(t, ok)
		counts[target.URL]++
	}
	assert.Greater(t, counts["https://heavy"], counts["https://light"])
}
