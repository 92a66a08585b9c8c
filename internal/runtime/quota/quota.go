// Package quota implements sliding-window rate limiting and daily/monthly
// spend caps as atomic counters against the shared cache tier, keyed
// rl:<token>:<window-bucket> and spend:<token>:<period>.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/ailink/gateway/internal/metrics"
	"github.com/ailink/gateway/internal/runtime/cache"
)

// Window describes a fixed-size rate limit window.
type Window struct {
	Name     string
	Max      int64
	Duration time.Duration
}

// SpendCaps describes the daily and monthly spend ceilings in micro-USD. A
// zero value disables the corresponding cap.
type SpendCaps struct {
	DailyMicroUSD   int64
	MonthlyMicroUSD int64
}

// Keeper evaluates rate limits and spend caps for a token using atomic
// counters in the shared cache tier.
type Keeper struct {
	counter cache.Counter
	metrics *metrics.Recorder
}

// New constructs a Keeper over the given counter-capable cache backend.
// Counter is satisfied by both of internal/runtime/cache's backends.
func New(counter cache.Counter, recorder *metrics.Recorder) *Keeper {
	return &Keeper{counter: counter, metrics: recorder}
}

// RateResult reports the outcome of a rate-limit pre-flight check.
type RateResult struct {
	Limited bool
	Count   int64
	Max     int64
	Window  string
}

// CheckRate increments the counter for the window containing "now" and
// compares the post-increment value against the window's max. The increment
// always happens — admitted attempts count toward the limit even when the
// request is later denied downstream — so this must be called at most once
// per request per window.
func (k *Keeper) CheckRate(ctx context.Context, tokenID string, window Window, now time.Time) (RateResult, error) {
	if window.Max <= 0 {
		return RateResult{Max: window.Max, Window: window.Name}, nil
	}
	bucket := now.Truncate(window.Duration).Unix()
	key := fmt.Sprintf("rl:%s:%s:%d", tokenID, window.Name, bucket)
	count, err := k.counter.Incr(ctx, key, 1, window.Duration)
	if err != nil {
		return RateResult{}, fmt.Errorf("quota: increment rate counter: %w", err)
	}
	result := RateResult{
		Limited: count > window.Max,
		Count:   count,
		Max:     window.Max,
		Window:  window.Name,
	}
	if k.metrics != nil {
		k.metrics.ObserveQuotaDecision("rate", window.Name, result.Limited)
	}
	return result, nil
}

// SpendResult reports the outcome of a spend-cap check.
type SpendResult struct {
	Exceeded   bool
	DailyUsed  int64
	MonthUsed  int64
	DailyCap   int64
	MonthlyCap int64
}

// CheckSpend compares the current observed daily/monthly totals against
// the configured caps without mutating them.
func (k *Keeper) CheckSpend(ctx context.Context, tokenID string, caps SpendCaps, now time.Time) (SpendResult, error) {
	daily, err := k.counter.Get(ctx, dailyKey(tokenID, now))
	if err != nil {
		return SpendResult{}, fmt.Errorf("quota: read daily spend: %w", err)
	}
	month, err := k.counter.Get(ctx, monthlyKey(tokenID, now))
	if err != nil {
		return SpendResult{}, fmt.Errorf("quota: read monthly spend: %w", err)
	}
	result := SpendResult{DailyUsed: daily, MonthUsed: month, DailyCap: caps.DailyMicroUSD, MonthlyCap: caps.MonthlyMicroUSD}
	if caps.DailyMicroUSD > 0 && daily > caps.DailyMicroUSD {
		result.Exceeded = true
	}
	if caps.MonthlyMicroUSD > 0 && month > caps.MonthlyMicroUSD {
		result.Exceeded = true
	}
	if k.metrics != nil {
		k.metrics.ObserveQuotaDecision("spend", "preflight", result.Exceeded)
	}
	return result, nil
}

// AddSpend atomically adds costMicroUSD to both the daily and monthly
// counters after a successful upstream call. This always happens
// post-flight regardless of whether it crosses the cap — spend caps are a
// best-effort throttle, not a transaction. The returned bool reports
// whether this add caused either counter to cross its cap, so callers can
// record a breach event.
func (k *Keeper) AddSpend(ctx context.Context, tokenID string, caps SpendCaps, costMicroUSD int64, now time.Time) (breached bool, err error) {
	if costMicroUSD <= 0 {
		return false, nil
	}
	daily, err := k.counter.Incr(ctx, dailyKey(tokenID, now), costMicroUSD, 25*time.Hour)
	if err != nil {
		return false, fmt.Errorf("quota: add daily spend: %w", err)
	}
	month, err := k.counter.Incr(ctx, monthlyKey(tokenID, now), costMicroUSD, 32*24*time.Hour)
	if err != nil {
		return false, fmt.Errorf("quota: add monthly spend: %w", err)
	}
	breached = (caps.DailyMicroUSD > 0 && daily > caps.DailyMicroUSD) || (caps.MonthlyMicroUSD > 0 && month > caps.MonthlyMicroUSD)
	if breached && k.metrics != nil {
		k.metrics.ObserveQuotaDecision("spend", "breach", true)
	}
	return breached, nil
}

func dailyKey(tokenID string, now time.Time) string {
	return fmt.Sprintf("spend:%s:%s", tokenID, now.UTC().Format("20060102"))
}

func monthlyKey(tokenID string, now time.Time) string {
	return fmt.Sprintf("spend:%s:%s", tokenID, now.UTC().Format("200601"))
}
