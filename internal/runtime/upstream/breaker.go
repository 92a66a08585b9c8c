package upstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ailink/gateway/internal/metrics"
	"github.com/ailink/gateway/internal/runtime/cache"
)

// BreakerPolicy configures the per-(token, upstream) circuit breaker state
// machine. The transition logic follows gobreaker's well-known design
// (failure counting within a window, doubling cool-down, single half-open
// probe); state is kept in the shared cache tier rather than in-process
// counters so sibling processes observe the same view.
type BreakerPolicy struct {
	FailThreshold int64
	FailWindow    time.Duration
	CoolDown      time.Duration
	CoolDownCeil  time.Duration
	// HalfOpenWindow bounds how long a probe slot stays claimed before a
	// crashed or slow prober's claim is forgiven and another caller may try.
	HalfOpenWindow time.Duration
}

// BreakerState names the three states of the machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker evaluates and mutates circuit-breaker state for upstream targets.
type Breaker struct {
	counter cache.Counter
	blobs   cache.DecisionCache
	policy  BreakerPolicy
	metrics *metrics.Recorder
}

// NewBreaker constructs a Breaker. counter and blobs are typically the same
// concrete cache backend (it implements both interfaces).
func NewBreaker(counter cache.Counter, blobs cache.DecisionCache, policy BreakerPolicy) *Breaker {
	if policy.FailThreshold <= 0 {
		policy.FailThreshold = 5
	}
	if policy.FailWindow <= 0 {
		policy.FailWindow = 30 * time.Second
	}
	if policy.CoolDown <= 0 {
		policy.CoolDown = 10 * time.Second
	}
	if policy.CoolDownCeil <= 0 {
		policy.CoolDownCeil = 5 * time.Minute
	}
	if policy.HalfOpenWindow <= 0 {
		policy.HalfOpenWindow = 2 * time.Second
	}
	return &Breaker{counter: counter, blobs: blobs, policy: policy}
}

// WithMetrics attaches a metrics recorder, returning the same Breaker.
func (b *Breaker) WithMetrics(m *metrics.Recorder) *Breaker {
	b.metrics = m
	return b
}

func openKey(tokenID, upstreamURL string) string  { return "breaker:open:" + tokenID + ":" + upstreamURL }
func probeKey(tokenID, upstreamURL string) string { return "breaker:probe:" + tokenID + ":" + upstreamURL }
func failKey(tokenID, upstreamURL string, bucket int64) string {
	return fmt.Sprintf("breaker:fail:%s:%s:%d", tokenID, upstreamURL, bucket)
}

// openRecord is the encoded payload of an open-breaker entry: state is
// always "open"; openUntil and cooldown are round-tripped through
// cache.Response.Message since the decision cache only stores strings.
type openRecord struct {
	openUntil time.Time
	cooldown  time.Duration
}

func encodeOpenRecord(r openRecord) string {
	return fmt.Sprintf("%d|%d", r.openUntil.UnixNano(), int64(r.cooldown))
}

func decodeOpenRecord(s string) (openRecord, bool) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return openRecord{}, false
	}
	untilNano, err1 := strconv.ParseInt(parts[0], 10, 64)
	cooldownNano, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return openRecord{}, false
	}
	return openRecord{openUntil: time.Unix(0, untilNano), cooldown: time.Duration(cooldownNano)}, true
}

// Allow reports whether the upstream may be selected. probe is true when
// the caller just claimed the single half-open probe slot; RecordSuccess
// or RecordFailure must be called with probe=true afterwards to resolve it.
func (b *Breaker) Allow(ctx context.Context, tokenID, upstreamURL string) (allowed bool, probe bool, err error) {
	entry, hit, err := b.blobs.Lookup(ctx, openKey(tokenID, upstreamURL))
	if err != nil {
		return false, false, fmt.Errorf("upstream: breaker lookup: %w", err)
	}
	if !hit {
		return true, false, nil
	}
	record, ok := decodeOpenRecord(entry.Response.Message)
	if !ok || time.Now().Before(record.openUntil) {
		return false, false, nil
	}
	// cool-down elapsed: half-open. Exactly one caller wins the probe slot.
	count, err := b.counter.Incr(ctx, probeKey(tokenID, upstreamURL), 1, b.policy.HalfOpenWindow)
	if err != nil {
		return false, false, fmt.Errorf("upstream: breaker probe lock: %w", err)
	}
	if count != 1 {
		return false, false, nil
	}
	return true, true, nil
}

// RecordSuccess closes the breaker. When probe is true this resolves a
// successful half-open probe: the upstream returns to closed with its
// failure counter reset.
func (b *Breaker) RecordSuccess(ctx context.Context, tokenID, upstreamURL string, probe bool) error {
	if err := b.blobs.DeletePrefix(ctx, openKey(tokenID, upstreamURL)); err != nil {
		return fmt.Errorf("upstream: breaker clear open: %w", err)
	}
	if probe && b.metrics != nil {
		b.metrics.ObserveBreakerTransition(upstreamURL, string(BreakerHalfOpen), string(BreakerClosed))
	}
	return nil
}

// RecordFailure accounts for a failed attempt. When probe is true (a failed
// half-open probe) the breaker reopens immediately with a doubled cool-down
// capped at CoolDownCeil. Otherwise the failure counter for the
// current window is incremented and the breaker opens once FailThreshold is
// reached.
func (b *Breaker) RecordFailure(ctx context.Context, tokenID, upstreamURL string, probe bool) error {
	if probe {
		prevCooldown := b.policy.CoolDown
		if entry, hit, err := b.blobs.Lookup(ctx, openKey(tokenID, upstreamURL)); err == nil && hit {
			if record, ok := decodeOpenRecord(entry.Response.Message); ok {
				prevCooldown = record.cooldown
			}
		}
		return b.open(ctx, tokenID, upstreamURL, doubled(prevCooldown, b.policy.CoolDownCeil), string(BreakerHalfOpen))
	}

	bucket := time.Now().Unix() / int64(b.policy.FailWindow.Seconds()+1)
	count, err := b.counter.Incr(ctx, failKey(tokenID, upstreamURL, bucket), 1, b.policy.FailWindow)
	if err != nil {
		return fmt.Errorf("upstream: breaker record failure: %w", err)
	}
	if count < b.policy.FailThreshold {
		return nil
	}
	return b.open(ctx, tokenID, upstreamURL, b.policy.CoolDown, string(BreakerClosed))
}

func (b *Breaker) open(ctx context.Context, tokenID, upstreamURL string, cooldown time.Duration, fromState string) error {
	now := time.Now()
	record := openRecord{openUntil: now.Add(cooldown), cooldown: cooldown}
	entry := cache.Entry{
		Decision:  string(BreakerOpen),
		Response:  cache.Response{Message: encodeOpenRecord(record)},
		StoredAt:  now.UTC(),
		ExpiresAt: now.Add(cooldown + b.policy.HalfOpenWindow),
	}
	if err := b.blobs.Store(ctx, openKey(tokenID, upstreamURL), entry); err != nil {
		return fmt.Errorf("upstream: breaker open: %w", err)
	}
	if b.metrics != nil {
		b.metrics.ObserveBreakerTransition(upstreamURL, fromState, string(BreakerOpen))
	}
	return nil
}

func doubled(prev, ceil time.Duration) time.Duration {
	d := prev * 2
	if d <= 0 {
		d = prev
	}
	if ceil > 0 && d > ceil {
		return ceil
	}
	return d
}
