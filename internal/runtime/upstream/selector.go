package upstream

import (
	"context"
	"math/rand"
	"sort"
	"time"
)

// Target is one entry in a token's upstream pool.
type Target struct {
	URL                string
	Weight             int
	Priority           int
	CredentialOverride string
}

// Candidate is a Target annotated with its current breaker eligibility.
type Candidate struct {
	Target
	Allowed    bool
	HalfOpen   bool
}

// Selector groups a pool by priority and, within the lowest priority that
// has any healthy entries, picks a target by non-negative weighted random
// selection. Zero-weight entries are only chosen
// when no positively-weighted entry is available.
type Selector struct {
	breaker *Breaker
	rand    *rand.Rand
}

// NewSelector constructs a Selector backed by the given breaker.
func NewSelector(breaker *Breaker) *Selector {
	return &Selector{breaker: breaker, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ErrNoHealthyUpstream is returned when every priority tier is exhausted.
type ErrNoHealthyUpstream struct{}

func (ErrNoHealthyUpstream) Error() string { return "upstream: all priorities exhausted" }

// Select evaluates breaker state for the whole pool and returns one healthy
// target from the lowest non-empty priority tier, plus the list of upstream
// URLs whose breaker is currently open (recorded on the audit event).
// exclude lists URLs already attempted this request, so a retry prefers a
// different target.
// A Candidate with HalfOpen set holds the single half-open probe slot for
// its upstream; the caller must resolve it through RecordSuccess or
// RecordFailure with probe=true.
func (s *Selector) Select(ctx context.Context, tokenID string, pool []Target, exclude map[string]bool) (Candidate, bool, []string, error) {
	if len(pool) == 0 {
		return Candidate{}, false, nil, nil
	}

	byPriority := make(map[int][]Target)
	for _, t := range pool {
		byPriority[t.Priority] = append(byPriority[t.Priority], t)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	var openUpstreams []string
	for _, priority := range priorities {
		var healthy []Target
		var probeHalfOpen Target
		var haveProbe bool
		for _, t := range byPriority[priority] {
			if exclude[t.URL] {
				continue
			}
			allowed, halfOpen, err := s.breaker.Allow(ctx, tokenID, t.URL)
			if err != nil {
				return Candidate{}, false, nil, err
			}
			if !allowed {
				openUpstreams = append(openUpstreams, t.URL)
				continue
			}
			if halfOpen {
				probeHalfOpen = t
				haveProbe = true
				continue // a half-open probe never competes with weighted selection
			}
			healthy = append(healthy, t)
		}
		if haveProbe {
			return Candidate{Target: probeHalfOpen, Allowed: true, HalfOpen: true}, true, openUpstreams, nil
		}
		if len(healthy) == 0 {
			continue
		}
		return Candidate{Target: s.weightedPick(healthy), Allowed: true}, true, openUpstreams, nil
	}
	return Candidate{}, false, openUpstreams, nil
}

func (s *Selector) weightedPick(targets []Target) Target {
	var total int
	for _, t := range targets {
		w := t.Weight
		if w < 0 {
			w = 0
		}
		total += w
	}
	if total == 0 {
		// all remaining entries are zero-weight, so uniform random among
		// them is the only sensible choice.
		return targets[s.rand.Intn(len(targets))]
	}
	pick := s.rand.Intn(total)
	for _, t := range targets {
		w := t.Weight
		if w < 0 {
			w = 0
		}
		if pick < w {
			return t
		}
		pick -= w
	}
	return targets[len(targets)-1]
}
