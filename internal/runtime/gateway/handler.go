package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ailink/gateway/internal/config"
	"github.com/ailink/gateway/internal/runtime/audit"
	"github.com/ailink/gateway/internal/runtime/pipeline"
	"github.com/ailink/gateway/internal/runtime/policy"
	"github.com/ailink/gateway/internal/runtime/quota"
	"github.com/ailink/gateway/internal/runtime/responsecache"
	"github.com/ailink/gateway/internal/runtime/scrubber"
	"github.com/ailink/gateway/internal/runtime/tokenresolver"
	"github.com/ailink/gateway/internal/runtime/upstream"
	"github.com/ailink/gateway/internal/vault"
)

const maxRequestBodyBytes = 10 << 20

// errorBody is the JSON shape every boundary error response uses.
type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message,omitempty"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func (e *Engine) writeError(w http.ResponseWriter, requestID string, status int, code, message string, details map[string]any) {
	body := errorBody{}
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Details = details
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-request-id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func extractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		tok := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if tok != "" {
			return tok, nil
		}
	}
	return "", errors.New("missing or malformed Authorization header")
}

// serveHTTP runs the ordered hot path: authenticate, pre-flight policy,
// rate and spend checks, approval wait, cache probe, dispatch, post-flight
// policy, scrub, accounting, cache fill, audit.
func (e *Engine) serveHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	start := time.Now()
	state := pipeline.NewState(r, "", "", requestID)

	if strings.HasPrefix(r.URL.Path, "/api/v1/") {
		e.writeError(w, requestID, http.StatusNotFound, "not_found", "", nil)
		e.emitTerminal(state, requestID, "", "", r, start, 0, "not_found", "")
		return
	}

	tokenID, err := extractBearerToken(r)
	if err != nil {
		e.writeError(w, requestID, http.StatusUnauthorized, "unauthenticated", err.Error(), nil)
		e.emitTerminal(state, requestID, "", "", r, start, 0, "unauthenticated", "")
		return
	}

	ctx := r.Context()

	resolved, err := e.resolver.Resolve(ctx, tokenID)
	if err != nil {
		switch {
		case errors.Is(err, tokenresolver.ErrNotFound), errors.Is(err, tokenresolver.ErrInactive):
			e.writeError(w, requestID, http.StatusUnauthorized, "unauthenticated", "", nil)
			e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "unauthenticated", "")
		default:
			w.Header().Set("Retry-After", "1")
			e.writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "", nil)
			e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "unavailable", "")
		}
		return
	}
	state.Token = pipeline.TokenState{
		ID: resolved.ID, Name: resolved.Name, CredentialID: resolved.CredentialID,
		PolicyIDs: resolved.PolicyIDs, LogLevel: resolved.LogLevel, Active: resolved.Active,
		Resolved: true, FromCache: resolved.FromCache, ContentVersion: resolved.ContentVersion,
		ResolvedAt: time.Now().UTC(),
	}

	sessionID := r.Header.Get("x-ailink-session-id")
	noCache := strings.EqualFold(r.Header.Get("x-ailink-no-cache"), "true")
	stickyKey := sessionID
	if stickyKey == "" {
		stickyKey = requestID
	}

	body, readErr := readLimitedBody(r)
	if readErr != nil {
		e.writeError(w, requestID, http.StatusRequestEntityTooLarge, "payload_too_large", "", nil)
		e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "payload_too_large", "")
		return
	}

	var bodyFields map[string]any
	_ = json.Unmarshal(body, &bodyFields) // non-JSON bodies simply yield no structured fields
	if bodyFields == nil {
		bodyFields = map[string]any{}
	}

	reqView := map[string]any{
		"method":     r.Method,
		"path":       r.URL.Path,
		"headers":    state.Request.Headers,
		"query":      state.Request.Query,
		"body":       bodyFields,
		"token_id":   resolved.ID,
		"token_name": resolved.Name,
		"session_id": sessionID,
		"model":      "",
	}
	if model, ok := bodyFields["model"].(string); ok {
		reqView["model"] = model
	}

	// Step 2: pre-flight policy (request view).
	policyStart := time.Now()
	reqDecision := e.policies.Evaluate(policy.PhaseRequest, resolved.PolicyIDs, reqView, resolved.ID, stickyKey)
	policyDur := time.Since(policyStart)
	state.Policy.MatchedPolicyIDs = append(state.Policy.MatchedPolicyIDs, reqDecision.MatchedPolicyIDs...)
	state.Policy.ShadowViolations = append(state.Policy.ShadowViolations, toViolations(reqDecision.ShadowViolations)...)
	state.Policy.SplitVariant = reqDecision.SplitVariant
	state.Policy.UpstreamOverride = reqDecision.UpstreamOverride

	if reqDecision.Terminal == "deny" {
		state.Policy.RequestOutcome = "deny"
		state.Policy.Reason = reqDecision.DenyReason
		e.writeError(w, requestID, http.StatusForbidden, "policy_denied", reqDecision.DenyReason, nil)
		e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "policy_denied", reqDecision.DenyReason)
		return
	}

	// Accumulated rewrite_body_field actions already landed in bodyFields
	// (the engine mutates the view in place); cap_response_tokens lowers
	// max_tokens the same way. Either one means the outbound body must be
	// re-encoded from the mutated view.
	bodyRewritten := len(reqDecision.RewriteBodyPaths) > 0
	if tokenCap := reqDecision.CapResponseTok; tokenCap > 0 {
		if mt, ok := bodyFields["max_tokens"].(float64); !ok || int(mt) > tokenCap || mt <= 0 {
			bodyFields["max_tokens"] = tokenCap
			bodyRewritten = true
		}
	}
	if bodyRewritten {
		if encoded, encErr := json.Marshal(bodyFields); encErr == nil {
			body = encoded
		}
	}

	// Step 3: rate check.
	for _, win := range e.rateWindows {
		result, err := e.quotaKeeper.CheckRate(ctx, resolved.ID, quota.Window{Name: win.Name, Max: win.Max, Duration: win.Duration}, time.Now())
		if err != nil {
			e.writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "", nil)
			e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "unavailable", "")
			return
		}
		state.Quota.RateChecked = true
		if result.Limited {
			state.Quota.RateLimited = true
			state.Quota.RateCount, state.Quota.RateMax, state.Quota.RateWindow = result.Count, result.Max, result.Window
			w.Header().Set("Retry-After", strconv.Itoa(int(win.Duration.Seconds())))
			e.writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "", nil)
			e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "rate_limited", "")
			return
		}
	}

	// Step 4: spend cap pre-flight.
	spendResult, err := e.quotaKeeper.CheckSpend(ctx, resolved.ID, e.spendCaps, time.Now())
	if err != nil {
		e.writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "", nil)
		e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "unavailable", "")
		return
	}
	state.Quota.SpendChecked = true
	state.Quota.SpendDailyUsed, state.Quota.SpendMonthUsed = spendResult.DailyUsed, spendResult.MonthUsed
	if spendResult.Exceeded {
		state.Quota.SpendExceeded = true
		e.writeError(w, requestID, http.StatusPaymentRequired, "spend_cap_exceeded", "", nil)
		e.emitTerminal(state, requestID, tokenID, "", r, start, 0, "spend_cap_exceeded", "")
		return
	}

	// Step 5: approval.
	if reqDecision.Terminal == "require_approval" {
		ttl := reqDecision.ApprovalTTL
		if ttl <= 0 {
			ttl = e.approvalTTL
		}
		approvalID := requestID
		state.Approval.Requested = true
		state.Approval.ID = approvalID
		state.Approval.Reason = reqDecision.ApprovalReason
		state.Approval.RequestedAt = time.Now().UTC()

		fingerprint := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		if _, err := e.approvalBroker.Request(ctx, approvalID, resolved.ID, fingerprint, fingerprint, reqDecision.ApprovalReason, ttl); err != nil {
			e.logger.Warn("approval request failed", "error", err)
		}
		deadline := time.Now().Add(ttl)
		waitStart := time.Now()
		decided, waitErr := e.approvalBroker.Wait(ctx, approvalID, deadline)
		state.Approval.WaitedFor = time.Since(waitStart)
		state.Approval.Status = decided.Status
		state.Approval.DecidedAt = decided.DecidedAt
		state.Approval.ReviewerRef = decided.ReviewerRef
		if e.metric != nil {
			e.metric.ObserveApprovalWait(decided.Status, state.Approval.WaitedFor)
		}
		if waitErr != nil || decided.Status != "approved" {
			code := "approval_rejected"
			if decided.Status == "expired" || errors.Is(waitErr, context.DeadlineExceeded) {
				code = "approval_expired"
			}
			e.writeError(w, requestID, http.StatusForbidden, code, "", nil)
			e.emitTerminal(state, requestID, tokenID, "", r, start, 0, code, "")
			return
		}
	}

	// Step 6: response-cache probe.
	temperature, _ := bodyFields["temperature"].(float64)
	maxTokens, _ := bodyFields["max_tokens"].(float64)
	fp := responsecache.Fingerprint{
		TokenID:     resolved.ID,
		Method:      r.Method,
		Path:        r.URL.Path,
		Model:       fmt.Sprint(reqView["model"]),
		Messages:    responsecache.CanonicalMessages(bodyFields["messages"]),
		Temperature: temperature,
		MaxTokens:   int(maxTokens),
		Tools:       bodyFields["tools"],
		ToolChoice:  bodyFields["tool_choice"],
	}
	streaming, _ := bodyFields["stream"].(bool)
	_, skip := e.responseCache.SkipRequest(temperature, streaming, noCache)
	// A rewrite outside the canonical projection, or a routing override,
	// makes the fingerprint unsound for this request.
	if len(reqDecision.RewriteHeaders) > 0 || bodyRewritten || reqDecision.UpstreamOverride != "" {
		skip = true
	}

	var cacheHit bool
	var respStatus int
	var respHeaders map[string]string
	var respBody []byte
	var upstreamURL string
	var dispatched bool

	if !skip {
		entry, hit, probeErr := e.responseCache.Probe(ctx, fp, func() (responsecache.Entry, bool, error) {
			status, headers, raw, url, dispatchErr := e.dispatch(ctx, r, resolved, body, reqDecision, state)
			if dispatchErr != nil {
				return responsecache.Entry{}, false, dispatchErr
			}
			upstreamURL = url
			dispatched = true
			return responsecache.Entry{Status: status, Headers: headers, Body: raw}, true, nil
		})
		if probeErr != nil {
			code := e.writeDispatchError(w, requestID, probeErr)
			e.emitTerminal(state, requestID, tokenID, upstreamURL, r, start, 0, code, "")
			return
		}
		cacheHit = hit && !dispatched
		respStatus, respHeaders, respBody = entry.Status, entry.Headers, entry.Body
	} else {
		status, headers, raw, url, dispatchErr := e.dispatch(ctx, r, resolved, body, reqDecision, state)
		if dispatchErr != nil {
			code := e.writeDispatchError(w, requestID, dispatchErr)
			e.emitTerminal(state, requestID, tokenID, url, r, start, 0, code, "")
			return
		}
		respStatus, respHeaders, respBody, upstreamURL = status, headers, raw, url
		dispatched = true
	}

	state.Cache.Hit = cacheHit
	state.Audit.SessionID = sessionID
	state.Audit.Variant = state.Policy.SplitVariant

	// Step 8: post-flight policy (response view).
	var respFields map[string]any
	_ = json.Unmarshal(respBody, &respFields)
	respView := map[string]any{
		"status":   respStatus,
		"headers":  respHeaders,
		"body":     respFields,
		"token_id": resolved.ID,
		"model":    state.Upstream.Model,
	}
	policyStart = time.Now()
	respDecision := e.policies.Evaluate(policy.PhaseResponse, resolved.PolicyIDs, respView, resolved.ID, stickyKey)
	policyDur += time.Since(policyStart)
	state.Policy.MatchedPolicyIDs = append(state.Policy.MatchedPolicyIDs, respDecision.MatchedPolicyIDs...)
	state.Policy.ShadowViolations = append(state.Policy.ShadowViolations, toViolations(respDecision.ShadowViolations)...)
	if respDecision.Terminal == "deny" {
		state.Policy.ResponseOutcome = "deny"
		state.Policy.Reason = respDecision.DenyReason
		e.writeError(w, requestID, http.StatusForbidden, "policy_denied", respDecision.DenyReason, nil)
		e.emitTerminal(state, requestID, tokenID, upstreamURL, r, start, respStatus, "policy_denied", respDecision.DenyReason)
		return
	}

	// Step 9: scrub response. Guardrail presets activated in either phase
	// contribute to the response-phase union.
	presets := append(append([]string(nil), reqDecision.GuardrailPresets...), respDecision.GuardrailPresets...)
	redact := append(append([]string(nil), reqDecision.RedactClasses...), respDecision.RedactClasses...)
	state.Policy.GuardrailPresets = presets
	state.Policy.RedactClasses = redact
	classes := classesFor(e.cfg.Scrubber, presets, redact)
	scrubbed := respBody
	if s := scrubber.New(classes); s.Active() {
		text, matched := s.ScrubText(string(respBody))
		scrubbed = []byte(text)
		state.Scrub.Applied = len(matched) > 0
		for _, c := range matched {
			state.Scrub.ClassesUsed = append(state.Scrub.ClassesUsed, string(c))
			if e.metric != nil {
				e.metric.ObserveScrub(string(c))
			}
		}
	}

	// Step 10: update spend counter (breaker state is updated internally by
	// the router during dispatch).
	cost := e.priceTable.Cost(state.Upstream.Model, state.Upstream.InputTokens, state.Upstream.OutputTokens)
	if cost > 0 && dispatched {
		breached, addErr := e.quotaKeeper.AddSpend(ctx, resolved.ID, e.spendCaps, cost, time.Now())
		if addErr == nil {
			state.Quota.CostAdded = cost
			state.Quota.BreachRecorded = breached
		}
	}

	// Step 11: opportunistic cache fill already happened inside Probe's
	// coalesced miss path. A skipped request never fills: the skip
	// conditions (bypass header, high temperature, streaming,
	// out-of-projection rewrite) disqualify the response for later
	// requests, not just this one.

	for k, v := range respHeaders {
		w.Header().Set(k, v)
	}
	w.Header().Set("x-request-id", requestID)
	w.Header().Set("x-ailink-request-id", requestID)
	switch {
	case cacheHit:
		w.Header().Set("x-ailink-cache", "hit")
	case skip:
		w.Header().Set("x-ailink-cache", "bypass")
	default:
		w.Header().Set("x-ailink-cache", "miss")
	}
	w.Header().Set("x-ailink-policy", policyHeaderValue(resolved.PolicyIDs, e.policies))
	w.WriteHeader(respStatus)
	_, _ = w.Write(scrubbed)

	// Step 12: emit audit.
	var upstreamDur time.Duration
	for _, a := range state.Upstream.Attempts {
		upstreamDur += a.Duration
	}
	e.emitAudit(state, audit.Record{
		RequestID:             requestID,
		OccurredAt:            time.Now().UTC(),
		TokenID:               resolved.ID,
		UpstreamURL:           upstreamURL,
		Method:                r.Method,
		Path:                  r.URL.Path,
		UpstreamHTTP:          respStatus,
		Latency:               audit.Latency{Policy: policyDur, Upstream: upstreamDur, Total: time.Since(start)},
		BytesIn:               int64(len(body)),
		BytesOut:              int64(len(scrubbed)),
		MatchedPolicies:       matchedPolicies(state.Policy.MatchedPolicyIDs, e.policies),
		ShadowViolations:      shadowViolations(state.Policy.ShadowViolations),
		ApprovalRef:           state.Approval.ID,
		EstimatedCostMicroUSD: cost,
		RedactionsApplied:     state.Scrub.ClassesUsed,
		InputTokens:           state.Upstream.InputTokens,
		OutputTokens:          state.Upstream.OutputTokens,
		Model:                 state.Upstream.Model,
		ToolCalls:             state.Upstream.ToolCallCount,
		CacheHit:              cacheHit,
		SessionID:             sessionID,
		ExperimentVariant:     state.Policy.SplitVariant,
		LogLevel:              audit.LogLevel(resolved.LogLevel),
		RequestBody:           bodyForLogLevel(resolved.LogLevel, body),
		ResponseBody:          bodyForLogLevel(resolved.LogLevel, scrubbed),
	})
}

// dispatch performs step 7: decrypt credential, select upstream, dispatch
// with retries, and extract usage/cost inputs. decision carries the
// accumulated rewrite_header actions and any set_upstream override from the
// request policy phase.
func (e *Engine) dispatch(ctx context.Context, r *http.Request, resolved tokenresolver.ResolvedToken, body []byte, decision policy.Decision, state *pipeline.State) (status int, headers map[string]string, respBody []byte, upstreamURL string, err error) {
	cred, plaintext, err := e.credentialPlaintext(resolved.CredentialID)
	if err != nil {
		return 0, nil, nil, "", err
	}

	builder := func(ctx context.Context, target upstream.Target, attempt int) (*http.Request, error) {
		outReq, buildErr := http.NewRequestWithContext(ctx, r.Method, target.URL+r.URL.Path, bytes.NewReader(body))
		if buildErr != nil {
			return nil, buildErr
		}
		for k, vs := range r.Header {
			if isHopByHop(k) {
				continue
			}
			outReq.Header[k] = append([]string(nil), vs...)
		}
		for k, v := range decision.RewriteHeaders {
			outReq.Header.Set(k, v)
		}
		injectCred, injectSecret := cred, plaintext
		if target.CredentialOverride != "" {
			overrideCred, overrideSecret, overrideErr := e.credentialPlaintext(target.CredentialOverride)
			if overrideErr != nil {
				return nil, overrideErr
			}
			injectCred, injectSecret = overrideCred, overrideSecret
		}
		if injectErr := injectCredential(outReq, injectCred, injectSecret); injectErr != nil {
			return nil, injectErr
		}
		return outReq, nil
	}

	pool := resolved.Upstreams
	if decision.UpstreamOverride != "" {
		// selection is bypassed when a policy pinned the upstream
		pool = []upstream.Target{{URL: decision.UpstreamOverride, Weight: 1}}
	}
	outcome, err := e.router.Dispatch(ctx, resolved.ID, pool, builder)
	state.Upstream.SelectedURL = outcome.SelectedURL
	state.Upstream.RetryCount = outcome.RetryCount
	state.Upstream.BreakerOpenFor = outcome.BreakerOpenFor
	state.Upstream.Exhausted = outcome.Exhausted
	for _, a := range outcome.Attempts {
		entry := pipeline.UpstreamAttempt{URL: a.URL, Status: a.Status, Duration: a.Duration}
		if a.Err != nil {
			entry.Error = a.Err.Error()
		}
		state.Upstream.Attempts = append(state.Upstream.Attempts, entry)
	}
	if err != nil {
		return 0, nil, nil, outcome.SelectedURL, err
	}
	defer outcome.Response.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(outcome.Response.Body, maxRequestBodyBytes))
	if readErr != nil {
		return 0, nil, nil, outcome.SelectedURL, readErr
	}
	usage := upstream.ExtractUsage(raw)
	state.Upstream.Model = usage.Model
	state.Upstream.InputTokens = usage.InputTokens
	state.Upstream.OutputTokens = usage.OutputTokens
	state.Upstream.ToolCallCount = usage.ToolCalls

	outHeaders := map[string]string{}
	for k, vs := range outcome.Response.Header {
		if isHopByHop(k) || len(vs) == 0 {
			continue
		}
		outHeaders[k] = vs[0]
	}
	return outcome.Response.StatusCode, outHeaders, raw, outcome.SelectedURL, nil
}

// credentialPlaintext looks up a credential and materializes its secret.
// The vault handle is closed before returning; the copy handed back lives
// only for the duration of the dispatch and never reaches audit or cache.
func (e *Engine) credentialPlaintext(credentialID string) (config.GatewayCredentialConfig, string, error) {
	cred, err := e.store.credential(credentialID)
	if err != nil {
		return config.GatewayCredentialConfig{}, "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(cred.CiphertextBase64)
	if err != nil {
		return config.GatewayCredentialConfig{}, "", fmt.Errorf("gateway: decode credential ciphertext: %w", err)
	}
	secret, err := e.vault.Decrypt(ciphertext, []byte(credentialID), cred.KeyVersion)
	if err != nil {
		return config.GatewayCredentialConfig{}, "", err
	}
	defer secret.Close()
	return cred, string(secret.Plaintext()), nil
}

// dispatchErrorContract maps a dispatch failure onto the boundary error
// table: vault and credential-configuration failures are internal and never
// leak detail to the agent; everything else from the dispatch path is an
// upstream failure.
func dispatchErrorContract(err error) (status int, code string) {
	if errors.Is(err, vault.ErrAuthenticationFailed) || errors.Is(err, vault.ErrKeyVersionMismatch) || errors.Is(err, errCredentialConfig) {
		return http.StatusInternalServerError, "internal"
	}
	return http.StatusBadGateway, "upstream_error"
}

func (e *Engine) writeDispatchError(w http.ResponseWriter, requestID string, err error) string {
	status, code := dispatchErrorContract(err)
	e.writeError(w, requestID, status, code, "", nil)
	return code
}

func (e *Engine) emitTerminal(state *pipeline.State, requestID, tokenID, upstreamURL string, r *http.Request, start time.Time, status int, tag, reason string) {
	state.Audit.TerminalTag = tag
	e.emitAudit(state, audit.Record{
		RequestID:        requestID,
		OccurredAt:       time.Now().UTC(),
		TokenID:          tokenID,
		UpstreamURL:      upstreamURL,
		Method:           r.Method,
		Path:             r.URL.Path,
		UpstreamHTTP:     status,
		Latency:          audit.Latency{Total: time.Since(start)},
		MatchedPolicies:  matchedPolicies(state.Policy.MatchedPolicyIDs, e.policies),
		ShadowViolations: shadowViolations(state.Policy.ShadowViolations),
		ApprovalRef:      state.Approval.ID,
		DenyReason:       reason,
	})
}

func shadowViolations(vs []pipeline.PolicyViolation) []audit.ShadowViolation {
	if len(vs) == 0 {
		return nil
	}
	out := make([]audit.ShadowViolation, 0, len(vs))
	for _, v := range vs {
		out = append(out, audit.ShadowViolation{PolicyID: v.PolicyID, RuleIndex: v.RuleIndex, Reason: v.Reason})
	}
	return out
}

func (e *Engine) emitAudit(state *pipeline.State, record audit.Record) {
	state.Audit.Enqueued = true
	e.auditEmitter.Enqueue(record)
}

func readLimitedBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, maxRequestBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBodyBytes {
		return nil, errors.New("gateway: request body exceeds limit")
	}
	return data, nil
}

func isHopByHop(header string) bool {
	switch strings.ToLower(header) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailer", "transfer-encoding", "upgrade", "authorization":
		return true
	}
	return false
}

// injectCredential applies the credential's injection mode to the outbound
// request: bearer-header replaces
// Authorization, named-header sets an arbitrary header, query-param appends
// a query parameter. The plaintext is never logged or echoed back.
func injectCredential(req *http.Request, cred config.GatewayCredentialConfig, plaintext string) error {
	switch strings.ToLower(strings.TrimSpace(cred.InjectionMode)) {
	case "bearer-header":
		req.Header.Set("Authorization", "Bearer "+plaintext)
	case "named-header":
		if cred.TargetName == "" {
			return errors.New("gateway: named-header credential missing targetName")
		}
		req.Header.Set(cred.TargetName, plaintext)
	case "query-param":
		if cred.TargetName == "" {
			return errors.New("gateway: query-param credential missing targetName")
		}
		q := req.URL.Query()
		q.Set(cred.TargetName, plaintext)
		req.URL.RawQuery = q.Encode()
	default:
		return fmt.Errorf("gateway: unsupported injection mode %q", cred.InjectionMode)
	}
	return nil
}

// classesFor resolves the union of a response decision's guardrail presets
// and explicit redact_response classes into concrete scrubber classes.
func classesFor(cfg config.GatewayScrubberConfig, presets []string, extra []string) []scrubber.Class {
	seen := make(map[scrubber.Class]bool)
	var out []scrubber.Class
	add := func(name string) {
		c := scrubber.Class(strings.ToLower(strings.TrimSpace(name)))
		if c == "" || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}
	for _, preset := range presets {
		p, ok := cfg.Presets[preset]
		if !ok {
			continue
		}
		for _, class := range p.Classes {
			add(class)
		}
	}
	for _, class := range extra {
		add(class)
	}
	return out
}

func policyHeaderValue(ids []string, engine *policy.Engine) string {
	if len(ids) == 0 {
		return "none"
	}
	sawEnforce := false
	for _, id := range ids {
		if p, ok := engine.Policy(id); ok {
			if p.Mode == policy.ModeEnforce {
				sawEnforce = true
			}
		}
	}
	if sawEnforce {
		return "enforced"
	}
	return "shadow"
}

func matchedPolicies(ids []string, engine *policy.Engine) []audit.MatchedPolicy {
	out := make([]audit.MatchedPolicy, 0, len(ids))
	for _, id := range ids {
		mode := "enforce"
		if p, ok := engine.Policy(id); ok {
			mode = string(p.Mode)
		}
		out = append(out, audit.MatchedPolicy{PolicyID: id, Mode: mode})
	}
	return out
}

func bodyForLogLevel(level string, body []byte) string {
	switch level {
	case "full", "redacted":
		return string(body)
	default:
		return ""
	}
}

func toViolations(vs []policy.Violation) []pipeline.PolicyViolation {
	out := make([]pipeline.PolicyViolation, 0, len(vs))
	for _, v := range vs {
		out = append(out, pipeline.PolicyViolation{PolicyID: v.PolicyID, RuleIndex: v.RuleIndex, Reason: v.Reason})
	}
	return out
}
