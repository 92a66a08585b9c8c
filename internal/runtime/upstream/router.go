// Package upstream implements upstream selection, retries, circuit
// breaking, and cost estimation for the gateway's dispatch path.
package upstream

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/ailink/gateway/internal/metrics"
)

// RetryPolicy configures upstream retry behavior.
type RetryPolicy struct {
	MaxAttempts   int
	BaseBackoffMs int
	MaxBackoffMs  int
	Jitter        bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseBackoffMs <= 0 {
		p.BaseBackoffMs = 100
	}
	if p.MaxBackoffMs <= 0 {
		p.MaxBackoffMs = 2000
	}
	return p
}

// Doer is the minimal HTTP execution contract the router needs, so tests
// can script responses without a live server.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// RequestBuilder constructs the outbound *http.Request for a given attempt
// against a specific target. Implementations apply credential injection and
// header/query rewriting before the router executes the request.
type RequestBuilder func(ctx context.Context, target Target, attempt int) (*http.Request, error)

// Attempt records one dispatch attempt for audit purposes.
type Attempt struct {
	URL      string
	Status   int
	Err      error
	Duration time.Duration
}

// Outcome is the result of a full Dispatch call, including every attempt
// made and the breaker-open upstreams observed during selection.
type Outcome struct {
	Response       *http.Response
	SelectedURL    string
	Attempts       []Attempt
	BreakerOpenFor []string
	RetryCount     int
	Exhausted      bool
}

// Router dispatches requests to a token's upstream pool with weighted
// priority selection, retries, and circuit breaking.
type Router struct {
	selector *Selector
	breaker  *Breaker
	client   Doer
	retry    RetryPolicy
	metrics  *metrics.Recorder
}

// NewRouter constructs a Router.
func NewRouter(client Doer, breaker *Breaker, retry RetryPolicy, m *metrics.Recorder) *Router {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Router{
		selector: NewSelector(breaker),
		breaker:  breaker,
		client:   client,
		retry:    retry.normalized(),
		metrics:  m,
	}
}

// isRetryableStatus reports whether an upstream HTTP status warrants a
// retry.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableErr reports whether a transport-level error (connection,
// handshake) warrants a retry: connection errors, TLS handshake errors, and
// stream errors before any response bytes are delivered to the client — in
// practice any error Do() returns before a *http.Response is obtained at
// all.
func isRetryableErr(err error) bool {
	return err != nil
}

// Dispatch selects a target and attempts delivery, retrying per policy.
// Nothing is forwarded downstream until Dispatch returns, so every retry
// happens before the client has seen any response bytes.
func (r *Router) Dispatch(ctx context.Context, tokenID string, pool []Target, build RequestBuilder) (Outcome, error) {
	out := Outcome{}
	tried := make(map[string]bool)

	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		target, ok, openFor, err := r.selector.Select(ctx, tokenID, pool, tried)
		out.BreakerOpenFor = append(out.BreakerOpenFor, openFor...)
		if err != nil {
			return out, err
		}
		if !ok {
			out.Exhausted = true
			return out, ErrNoHealthyUpstream{}
		}

		req, err := build(ctx, target.Target, attempt)
		if err != nil {
			return out, err
		}

		start := time.Now()
		resp, doErr := r.client.Do(req)
		duration := time.Since(start)
		tried[target.URL] = true
		probe := target.HalfOpen

		if doErr != nil {
			out.Attempts = append(out.Attempts, Attempt{URL: target.URL, Err: doErr, Duration: duration})
			r.observe(target.URL, "error")
			_ = r.breaker.RecordFailure(ctx, tokenID, target.URL, probe)
			if attempt == r.retry.MaxAttempts || !isRetryableErr(doErr) {
				out.RetryCount = attempt - 1
				return out, doErr
			}
			r.backoff(ctx, attempt)
			continue
		}

		out.Attempts = append(out.Attempts, Attempt{URL: target.URL, Status: resp.StatusCode, Duration: duration})
		if isRetryableStatus(resp.StatusCode) && attempt < r.retry.MaxAttempts {
			r.observe(target.URL, "retryable_status")
			_ = r.breaker.RecordFailure(ctx, tokenID, target.URL, probe)
			resp.Body.Close()
			r.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 || isRetryableStatus(resp.StatusCode) {
			_ = r.breaker.RecordFailure(ctx, tokenID, target.URL, probe)
			r.observe(target.URL, "failure")
		} else {
			_ = r.breaker.RecordSuccess(ctx, tokenID, target.URL, probe)
			r.observe(target.URL, "success")
		}

		out.Response = resp
		out.SelectedURL = target.URL
		out.RetryCount = attempt - 1
		return out, nil
	}

	out.Exhausted = true
	return out, ErrNoHealthyUpstream{}
}

func (r *Router) observe(url, outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(url, outcome)
	}
}

// backoff sleeps with exponential-with-full-jitter delay, capped at
// MaxBackoffMs, respecting context cancellation.
func (r *Router) backoff(ctx context.Context, attempt int) {
	exp := r.retry.BaseBackoffMs << uint(attempt-1)
	if exp <= 0 || exp > r.retry.MaxBackoffMs {
		exp = r.retry.MaxBackoffMs
	}
	wait := exp
	if r.retry.Jitter {
		wait = rand.Intn(exp + 1)
	}
	timer := time.NewTimer(time.Duration(wait) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
