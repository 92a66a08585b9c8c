package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// RequestState preserves the inbound request snapshot for auditing and
// template evaluation.
type RequestState struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// ResponseState is the HTTP response composed for the caller.
type ResponseState struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Headers map[string]string `json:"headers"`
}

// CacheState captures cache participation information for the request.
type CacheState struct {
	Key       string    `json:"key"`
	Hit       bool      `json:"hit"`
	Decision  string    `json:"decision,omitempty"`
	StoredAt  time.Time `json:"storedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Stored    bool      `json:"stored"`
}

// TokenState records the outcome of virtual token resolution.
type TokenState struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	CredentialID   string    `json:"credentialId,omitempty"`
	PolicyIDs      []string  `json:"policyIds,omitempty"`
	LogLevel       string    `json:"logLevel,omitempty"`
	Active         bool      `json:"active"`
	Resolved       bool      `json:"resolved"`
	FromCache      bool      `json:"fromCache"`
	ContentVersion int64     `json:"contentVersion,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt,omitempty"`
}

// PolicyViolation records a terminal action that fired under a shadow-mode
// policy and was therefore logged rather than enforced.
type PolicyViolation struct {
	PolicyID  string `json:"policyId"`
	RuleIndex int    `json:"ruleIndex"`
	Reason    string `json:"reason"`
}

// PolicyState summarizes policy-engine evaluation across both phases.
type PolicyState struct {
	RequestOutcome   string             `json:"requestOutcome,omitempty"`
	ResponseOutcome  string             `json:"responseOutcome,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	MatchedPolicyIDs []string           `json:"matchedPolicyIds,omitempty"`
	ShadowViolations []PolicyViolation  `json:"shadowViolations,omitempty"`
	GuardrailPresets []string           `json:"guardrailPresets,omitempty"`
	SplitVariant     string             `json:"splitVariant,omitempty"`
	ApprovalReason   string             `json:"approvalReason,omitempty"`
	ApprovalTTL      time.Duration      `json:"approvalTtl,omitempty"`
	UpstreamOverride string             `json:"upstreamOverride,omitempty"`
	CapResponseTok   int                `json:"capResponseTokens,omitempty"`
	RedactClasses    []string           `json:"redactClasses,omitempty"`
}

// QuotaState summarizes rate-limit and spend-cap accounting.
type QuotaState struct {
	RateChecked    bool   `json:"rateChecked"`
	RateLimited    bool   `json:"rateLimited"`
	RateCount      int64  `json:"rateCount,omitempty"`
	RateMax        int64  `json:"rateMax,omitempty"`
	RateWindow     string `json:"rateWindow,omitempty"`
	SpendChecked   bool   `json:"spendChecked"`
	SpendExceeded  bool   `json:"spendExceeded"`
	SpendDailyUsed int64  `json:"spendDailyUsedMicroUsd,omitempty"`
	SpendMonthUsed int64  `json:"spendMonthUsedMicroUsd,omitempty"`
	CostAdded      int64  `json:"costAddedMicroUsd,omitempty"`
	BreachRecorded bool   `json:"breachRecorded,omitempty"`
}

// ApprovalState tracks human-in-the-loop approval suspension.
type ApprovalState struct {
	Requested      bool      `json:"requested"`
	ID             string    `json:"id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Status         string    `json:"status,omitempty"`
	RequestedAt    time.Time `json:"requestedAt,omitempty"`
	DecidedAt      time.Time `json:"decidedAt,omitempty"`
	ReviewerRef    string    `json:"reviewerRef,omitempty"`
	WaitedFor      time.Duration `json:"waitedFor,omitempty"`
}

// UpstreamAttempt records a single dispatch attempt made by the router.
type UpstreamAttempt struct {
	URL      string        `json:"url"`
	Status   int           `json:"status,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Retried  bool          `json:"retried"`
}

// UpstreamState summarizes upstream selection, retries, breaker state, and
// cost estimation performed by the router.
type UpstreamState struct {
	SelectedURL    string            `json:"selectedUrl,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Attempts       []UpstreamAttempt `json:"attempts,omitempty"`
	RetryCount     int               `json:"retryCount"`
	BreakerOpenFor []string          `json:"breakerOpenFor,omitempty"`
	Exhausted      bool              `json:"exhausted"`
	InputTokens    int64             `json:"inputTokens,omitempty"`
	OutputTokens   int64             `json:"outputTokens,omitempty"`
	Model          string            `json:"model,omitempty"`
	ToolCallCount  int               `json:"toolCallCount,omitempty"`
	CostMicroUSD   int64             `json:"costMicroUsd,omitempty"`
}

// ScrubState records redaction activity applied to the response.
type ScrubState struct {
	Applied       bool     `json:"applied"`
	FieldsRedacted []string `json:"fieldsRedacted,omitempty"`
	ClassesUsed   []string `json:"classesUsed,omitempty"`
}

// AuditState tracks whether the audit record for the request was enqueued
// and under which terminal condition.
type AuditState struct {
	Enqueued    bool   `json:"enqueued"`
	Dropped     bool   `json:"dropped"`
	TerminalTag string `json:"terminalTag,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Variant     string `json:"variant,omitempty"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	cacheKey string
	plan     any

	Endpoint      string `json:"endpoint"`
	CorrelationID string `json:"correlationId"`

	Request  RequestState  `json:"request"`
	Response ResponseState `json:"response"`
	Cache    CacheState    `json:"cache"`

	Token    TokenState    `json:"token"`
	Policy   PolicyState   `json:"policy"`
	Quota    QuotaState    `json:"quota"`
	Approval ApprovalState `json:"approval"`
	Upstream UpstreamState `json:"upstream"`
	Scrub    ScrubState    `json:"scrub"`
	Audit    AuditState    `json:"audit"`
}

// NewState captures the inbound request metadata and initializes the shared
// state for a pipeline evaluation.
func NewState(r *http.Request, endpoint, cacheKey, correlationID string) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[strings.ToLower(name)] = values[0]
	}
	return &State{
		cacheKey:      cacheKey,
		Endpoint:      endpoint,
		CorrelationID: correlationID,
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		},
		Response: ResponseState{
			Headers: make(map[string]string),
		},
		Cache: CacheState{Key: cacheKey},
	}
}

// CacheKey exposes the underlying cache key derived for the request.
func (s *State) CacheKey() string { return s.cacheKey }

// SetPlan stores an agent-specific execution plan on the shared state.
func (s *State) SetPlan(plan any) { s.plan = plan }

// Plan retrieves the agent-specific execution plan stored on the state.
func (s *State) Plan() any { return s.plan }

// ClearPlan removes any stored execution plan from the state.
func (s *State) ClearPlan() { s.plan = nil }

// TemplateContext exposes a map suitable for template execution, capturing the
// full pipeline state snapshot.
func (s *State) TemplateContext() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	ctx := map[string]any{
		"endpoint":      s.Endpoint,
		"correlationId": s.CorrelationID,
		"request":       s.Request,
		"response":      s.Response,
		"cache":         s.Cache,
		"token":         s.Token,
		"policy":        s.Policy,
		"quota":         s.Quota,
		"approval":      s.Approval,
		"upstream":      s.Upstream,
		"scrub":         s.Scrub,
		"audit":         s.Audit,
	}
	ctx["state"] = s
	return ctx
}
