// Package policy implements the policy engine: it composes the ordered
// rule lists of every policy attached to a token, evaluates each rule's
// predicate against the current request or response view, and executes
// actions immediately on a match, stopping at the first terminal action.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ailink/gateway/internal/config"
	"github.com/ailink/gateway/internal/expr"
)

// Mode selects how a policy's terminal actions behave: enforce blocks,
// shadow only logs.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeShadow  Mode = "shadow"
)

// Phase names which side of the upstream call a policy evaluates on.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
	PhaseBoth     = "both"
)

// Action is a single `then` action, compiled from config.GatewayPolicyActionConfig.
type Action struct {
	Kind    string
	Reason  string
	TTL     time.Duration
	Key     string
	Value   string
	Weight  int
	N       int
	Classes []string
}

// Rule is one compiled `when -> then` entry.
type Rule struct {
	Program expr.Program
	Actions []Action
}

// Policy is a compiled policy document.
type Policy struct {
	ID    string
	Mode  Mode
	Phase string
	Rules []Rule
}

// Violation records a terminal action that fired under a shadow-mode
// policy and was therefore logged instead of enforced.
type Violation struct {
	PolicyID  string
	RuleIndex int
	Reason    string
}

// Engine holds every compiled policy document, keyed by id.
type Engine struct {
	env      *expr.Environment
	policies map[string]Policy
}

// New compiles the configured gateway policy documents.
func New(cfgs map[string]config.GatewayPolicyConfig) (*Engine, error) {
	env, err := expr.NewPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy: build environment: %w", err)
	}
	e := &Engine{env: env, policies: make(map[string]Policy, len(cfgs))}
	for id, cfg := range cfgs {
		p, err := compilePolicy(env, id, cfg)
		if err != nil {
			return nil, err
		}
		e.policies[id] = p
	}
	return e, nil
}

func compilePolicy(env *expr.Environment, id string, cfg config.GatewayPolicyConfig) (Policy, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode != ModeEnforce && mode != ModeShadow {
		mode = ModeEnforce
	}
	p := Policy{ID: id, Mode: mode, Phase: cfg.EffectivePhase()}
	for i, ruleCfg := range cfg.Rules {
		prog, err := env.Compile(ruleCfg.When)
		if err != nil {
			return Policy{}, fmt.Errorf("policy %s rule %d: %w", id, i, err)
		}
		actions := make([]Action, 0, len(ruleCfg.Then))
		for _, ac := range ruleCfg.Then {
			ttl, _ := time.ParseDuration(ac.TTL)
			actions = append(actions, Action{
				Kind:    strings.ToLower(strings.TrimSpace(ac.Kind)),
				Reason:  ac.Reason,
				TTL:     ttl,
				Key:     ac.Key,
				Value:   ac.Value,
				Weight:  ac.Weight,
				N:       ac.N,
				Classes: ac.Classes,
			})
		}
		p.Rules = append(p.Rules, Rule{Program: prog, Actions: actions})
	}
	return p, nil
}

// Policy looks up a single compiled policy by id.
func (e *Engine) Policy(id string) (Policy, bool) {
	p, ok := e.policies[id]
	return p, ok
}

// Decision summarizes the outcome of evaluating one phase across a set of
// policy ids against a request or response view.
type Decision struct {
	Terminal         string // "", "deny", "require_approval"
	DenyReason       string
	ApprovalReason   string
	ApprovalTTL      time.Duration
	MatchedPolicyIDs []string
	ShadowViolations []Violation
	GuardrailPresets []string
	SplitVariant     string
	UpstreamOverride string
	CapResponseTok   int
	RedactClasses    []string
	RewriteHeaders   map[string]string
	RewriteBodyPaths map[string]string
	PolicyInvalid    bool
}

// Evaluate runs every policy whose Phase matches the requested phase over
// view, in policyIDs order then rule order, mutating view in place as
// rewrite_* actions accumulate so later predicates observe earlier
// rewrites. Evaluation stops at the first terminal action fired by an
// enforce-mode rule; shadow-mode terminal actions are recorded as
// violations and evaluation continues as if the rule had not matched.
func (e *Engine) Evaluate(phase string, policyIDs []string, view map[string]any, tokenID, stickyKey string) Decision {
	d := Decision{RewriteHeaders: map[string]string{}, RewriteBodyPaths: map[string]string{}}
	splitApplied := false

	for _, pid := range policyIDs {
		p, ok := e.policies[pid]
		if !ok {
			continue
		}
		if p.Phase != phase && p.Phase != PhaseBoth {
			continue
		}
		for ruleIdx, rule := range p.Rules {
			matched, err := rule.Program.EvalBool(map[string]any{"req": view})
			if err != nil {
				// Unresolvable predicate: fail closed in enforce mode, log
				// and continue in shadow mode.
				if p.Mode == ModeEnforce {
					d.Terminal = "deny"
					d.DenyReason = "policy_invalid"
					d.PolicyInvalid = true
					return d
				}
				d.ShadowViolations = append(d.ShadowViolations, Violation{PolicyID: pid, RuleIndex: ruleIdx, Reason: "policy_invalid: " + err.Error()})
				continue
			}
			if !matched {
				continue
			}
			d.MatchedPolicyIDs = append(d.MatchedPolicyIDs, pid)

			if p.Mode == ModeShadow {
				// A shadow policy never touches the request: terminal actions
				// are recorded as violations and everything else behaves as if
				// the rule had not matched, so the upstream request stays
				// byte-identical to the no-policy case.
				for _, action := range rule.Actions {
					switch action.Kind {
					case "deny", "require_approval":
						d.ShadowViolations = append(d.ShadowViolations, Violation{PolicyID: pid, RuleIndex: ruleIdx, Reason: shadowReason(action)})
					case "log_violation":
						d.ShadowViolations = append(d.ShadowViolations, Violation{PolicyID: pid, RuleIndex: ruleIdx, Reason: orDefault(action.Reason, action.Key)})
					case "rewrite_header", "rewrite_body_field", "set_upstream", "split",
						"set_guardrail_preset", "cap_response_tokens", "redact_response":
					default:
						d.PolicyInvalid = true
						d.ShadowViolations = append(d.ShadowViolations, Violation{PolicyID: pid, RuleIndex: ruleIdx, Reason: "policy_invalid"})
					}
				}
				continue
			}

			for _, action := range rule.Actions {
				terminal, reason := applyAction(action, view, &d, tokenID, stickyKey, &splitApplied)
				if terminal == "" {
					continue
				}
				d.Terminal = terminal
				if terminal == "deny" {
					d.DenyReason = reason
				} else {
					d.ApprovalReason = reason
					d.ApprovalTTL = action.TTL
				}
				return d
			}
		}
	}
	return d
}

// applyAction executes a single action against the mutable view/decision,
// returning a non-empty terminal kind ("deny"/"require_approval") when the
// action is terminal.
func applyAction(a Action, view map[string]any, d *Decision, tokenID, stickyKey string, splitApplied *bool) (terminal, reason string) {
	switch a.Kind {
	case "deny":
		return "deny", orDefault(a.Reason, "policy denied")
	case "require_approval":
		return "require_approval", orDefault(a.Reason, "approval required")
	case "rewrite_header":
		d.RewriteHeaders[a.Key] = a.Value
		if headers, ok := view["headers"].(map[string]string); ok {
			headers[strings.ToLower(a.Key)] = a.Value
		}
	case "rewrite_body_field":
		d.RewriteBodyPaths[a.Key] = a.Value
		if body, ok := view["body"].(map[string]any); ok {
			body[a.Key] = a.Value
		}
	case "set_upstream":
		d.UpstreamOverride = a.Value
	case "split":
		// Only one split rule may apply per request; later splits are
		// ignored with a logged violation.
		if *splitApplied {
			d.ShadowViolations = append(d.ShadowViolations, Violation{Reason: "split ignored: a variant was already assigned"})
			return "", ""
		}
		if stickyHash(tokenID, stickyKey)%100 < uint64(a.Weight) {
			d.SplitVariant = a.Key
			*splitApplied = true
		}
	case "set_guardrail_preset":
		d.GuardrailPresets = append(d.GuardrailPresets, a.Key)
	case "cap_response_tokens":
		d.CapResponseTok = a.N
	case "redact_response":
		d.RedactClasses = append(d.RedactClasses, a.Classes...)
	case "log_violation":
		d.ShadowViolations = append(d.ShadowViolations, Violation{Reason: orDefault(a.Reason, a.Key)})
	default:
		// An action kind config validation didn't catch (or that reached
		// this engine from a source that skips validation) must fail closed
		// rather than silently no-op.
		d.PolicyInvalid = true
		return "deny", "policy_invalid"
	}
	return "", ""
}

// stickyHash deterministically hashes (tokenID, stickyKey) so repeat
// requests in a session stick to the same split variant across processes.
func stickyHash(tokenID, stickyKey string) uint64 {
	sum := sha256.Sum256([]byte(tokenID + "\x00" + stickyKey))
	return binary.BigEndian.Uint64(sum[:8])
}

// shadowReason mirrors the reason applyAction would have produced had the
// terminal action run in enforce mode.
func shadowReason(a Action) string {
	if a.Kind == "require_approval" {
		return orDefault(a.Reason, "approval required")
	}
	return orDefault(a.Reason, "policy denied")
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// SortedPolicyIDs returns ids in a stable, deterministic order for tests and
// logging that don't care about attachment order.
func SortedPolicyIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
