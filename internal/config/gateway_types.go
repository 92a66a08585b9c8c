package config

import (
	"errors"
	"fmt"
	"strings"
)

// GatewayConfig collects the declarative artifacts the credential-injecting
// policy gateway hot path needs: tokens, credentials, policies, and the
// quota/approval/vault/response-cache/scrubber/audit knobs, loaded through
// the same koanf layering as the server section (see loader.go).
type GatewayConfig struct {
	Tokens       map[string]GatewayTokenConfig      `koanf:"tokens"`
	Credentials  map[string]GatewayCredentialConfig `koanf:"credentials"`
	Policies     map[string]GatewayPolicyConfig     `koanf:"policies"`
	Quota        GatewayQuotaConfig                 `koanf:"quota"`
	Approval     GatewayApprovalConfig              `koanf:"approval"`
	Vault        GatewayVaultConfig                 `koanf:"vault"`
	ResponseCache GatewayResponseCacheConfig        `koanf:"responseCache"`
	Scrubber     GatewayScrubberConfig              `koanf:"scrubber"`
	Pricing      []GatewayPriceEntryConfig          `koanf:"pricing"`
	Audit        GatewayAuditConfig                 `koanf:"audit"`
	Retry        GatewayRetryConfig                 `koanf:"retry"`
	Breaker      GatewayBreakerConfig               `koanf:"breaker"`
}

// GatewayTokenConfig declares one virtual token and everything it binds.
type GatewayTokenConfig struct {
	Name         string                     `koanf:"name"`
	CredentialID string                     `koanf:"credentialId"`
	Policies     []string                   `koanf:"policies"`
	Upstreams    []GatewayUpstreamTargetConfig `koanf:"upstreams"`
	LogLevel     string                     `koanf:"logLevel"` // off|metadata|redacted|full
	Active       *bool                      `koanf:"active"`   // nil = true (default)
}

// IsActive returns the effective active flag, defaulting to true.
func (t GatewayTokenConfig) IsActive() bool {
	if t.Active == nil {
		return true
	}
	return *t.Active
}

// GatewayUpstreamTargetConfig is one entry in a token's upstream pool.
type GatewayUpstreamTargetConfig struct {
	URL                string `koanf:"url"`
	Weight             int    `koanf:"weight"`
	Priority           int    `koanf:"priority"`
	CredentialOverride string `koanf:"credentialOverride"`
}

// GatewayCredentialConfig declares one upstream credential. CiphertextBase64 is
// the vault-encrypted secret at rest; the vault is the only component
// that ever materializes plaintext from it.
type GatewayCredentialConfig struct {
	Provider         string `koanf:"provider"`
	CiphertextBase64 string `koanf:"ciphertext"`
	KeyVersion       int    `koanf:"keyVersion"`
	InjectionMode    string `koanf:"injectionMode"` // bearer-header|named-header|query-param
	TargetName       string `koanf:"targetName"`    // header/param name for named-header/query-param
	Active           *bool  `koanf:"active"`
}

// IsActive returns the effective active flag, defaulting to true.
func (c GatewayCredentialConfig) IsActive() bool {
	if c.Active == nil {
		return true
	}
	return *c.Active
}

// GatewayPolicyConfig is one policy document.
type GatewayPolicyConfig struct {
	Mode  string                  `koanf:"mode"`  // enforce|shadow
	Phase string                  `koanf:"phase"` // request|response|both (defaults to request)
	Rules []GatewayPolicyRuleConfig `koanf:"rules"`
}

// EffectivePhase applies the documented default (request) when unspecified.
func (p GatewayPolicyConfig) EffectivePhase() string {
	phase := strings.ToLower(strings.TrimSpace(p.Phase))
	if phase == "" {
		return "request"
	}
	return phase
}

// GatewayPolicyRuleConfig is one when/then rule.
type GatewayPolicyRuleConfig struct {
	When string                      `koanf:"when"` // CEL predicate, evaluated against the request/response view
	Then []GatewayPolicyActionConfig `koanf:"then"`
}

// GatewayPolicyActionConfig is a single action invocation. Kind selects the
// action (deny, require_approval, rewrite_header, rewrite_body_field,
// set_upstream, split, set_guardrail_preset, cap_response_tokens,
// redact_response, log_violation); the remaining fields are interpreted
// according to Kind.
type GatewayPolicyActionConfig struct {
	Kind    string   `koanf:"kind"`
	Reason  string   `koanf:"reason"`
	TTL     string   `koanf:"ttl"`     // duration string, for require_approval
	Key     string   `koanf:"key"`     // header/field name, variant name, preset name, tag
	Value   string   `koanf:"value"`   // header/field value, upstream URL
	Weight  int      `koanf:"weight"`  // for split
	N       int      `koanf:"n"`       // for cap_response_tokens
	Classes []string `koanf:"classes"` // for redact_response
}

// GatewayQuotaConfig configures rate windows and spend caps. Per-token
// overrides are not modeled here — tokens share the
// configured default windows/caps; an operator wanting per-token variance
// can express it via separate policy documents scoping requests instead.
type GatewayQuotaConfig struct {
	RateWindows     []GatewayRateWindowConfig `koanf:"rateWindows"`
	DailyCapMicroUSD   int64                  `koanf:"dailyCapMicroUsd"`
	MonthlyCapMicroUSD int64                  `koanf:"monthlyCapMicroUsd"`
}

// GatewayRateWindowConfig is one {max, duration} rate window.
type GatewayRateWindowConfig struct {
	Name     string `koanf:"name"`
	Max      int64  `koanf:"max"`
	Duration string `koanf:"duration"` // e.g. "1m", "1h"
}

// GatewayApprovalConfig configures the human-in-the-loop broker.
type GatewayApprovalConfig struct {
	DefaultTTL string `koanf:"defaultTtl"` // used when a require_approval action omits ttl
	Notifier   string `koanf:"notifier"`   // log|slack
	Slack      GatewayApprovalSlackConfig `koanf:"slack"`
}

// GatewayApprovalSlackConfig configures the optional Slack notifier. Token
// should come from the environment (PASSCTRL_GATEWAY__APPROVAL__SLACK__TOKEN)
// rather than a config file.
type GatewayApprovalSlackConfig struct {
	Channel string `koanf:"channel"`
	Token   string `koanf:"token"`
}

// GatewayVaultConfig configures the process-wide root key set. Keys are
// supplied base64-encoded; version 0 is reserved/invalid.
type GatewayVaultConfig struct {
	RootKeysBase64 map[int]string `koanf:"rootKeys"`
}

// GatewayResponseCacheConfig configures the response cache.
type GatewayResponseCacheConfig struct {
	Enabled               bool    `koanf:"enabled"`
	TTLSeconds            int     `koanf:"ttlSeconds"`
	MaxEntryBytes         int     `koanf:"maxEntryBytes"`
	CacheableTemperatureMax float64 `koanf:"cacheableTemperatureMax"`
	StreamingCacheEnabled bool    `koanf:"streamingCacheEnabled"`
}

// GatewayScrubberConfig configures the response scrubber: named guardrail presets,
// each a bundle of PII classes, plus the longest pattern length used to size
// the streaming carry-over buffer.
type GatewayScrubberConfig struct {
	Presets       map[string]GatewayGuardrailPresetConfig `koanf:"presets"`
	MaxPatternLen int                                     `koanf:"maxPatternLen"`
}

// GatewayGuardrailPresetConfig names the PII classes a guardrail preset
// activates for the response phase.
type GatewayGuardrailPresetConfig struct {
	Classes []string `koanf:"classes"`
}

// GatewayPriceEntryConfig is one model-pattern pricing row, prices
// expressed in micro-USD per token.
type GatewayPriceEntryConfig struct {
	ModelPrefix  string `koanf:"modelPrefix"`
	PriceInMicroUSD  int64 `koanf:"priceInMicroUsd"`
	PriceOutMicroUSD int64 `koanf:"priceOutMicroUsd"`
}

// GatewayAuditConfig configures the audit emitter's bounded async queue.
type GatewayAuditConfig struct {
	QueueCapacity int `koanf:"queueCapacity"`
}

// GatewayRetryConfig configures the upstream retry policy.
type GatewayRetryConfig struct {
	MaxAttempts   int  `koanf:"maxAttempts"`
	BaseBackoffMs int  `koanf:"baseBackoffMs"`
	MaxBackoffMs  int  `koanf:"maxBackoffMs"`
	Jitter        bool `koanf:"jitter"`
}

// GatewayBreakerConfig configures the per-upstream circuit breaker.
type GatewayBreakerConfig struct {
	FailThreshold  int    `koanf:"failThreshold"`
	FailWindow     string `koanf:"failWindow"`
	CoolDown       string `koanf:"coolDown"`
	CoolDownCeiling string `koanf:"coolDownCeiling"`
}

// ValidateGateway enforces the gateway-specific invariants, called from
// Config.Validate.
func (c *Config) ValidateGateway() error {
	if c == nil {
		return errors.New("config: nil")
	}
	g := c.Gateway
	for id, tok := range g.Tokens {
		if strings.TrimSpace(id) == "" {
			return errors.New("config: gateway.tokens key cannot be empty")
		}
		if tok.IsActive() && strings.TrimSpace(tok.CredentialID) == "" {
			return fmt.Errorf("config: gateway.tokens[%s].credentialId required for an active token", id)
		}
		for i, up := range tok.Upstreams {
			if strings.TrimSpace(up.URL) == "" {
				return fmt.Errorf("config: gateway.tokens[%s].upstreams[%d].url required", id, i)
			}
			if up.Weight < 0 {
				return fmt.Errorf("config: gateway.tokens[%s].upstreams[%d].weight must be non-negative", id, i)
			}
		}
		switch strings.ToLower(strings.TrimSpace(tok.LogLevel)) {
		case "", "off", "metadata", "redacted", "full":
		default:
			return fmt.Errorf("config: gateway.tokens[%s].logLevel unsupported: %s", id, tok.LogLevel)
		}
	}
	for id, cred := range g.Credentials {
		switch strings.ToLower(strings.TrimSpace(cred.InjectionMode)) {
		case "bearer-header":
		case "named-header", "query-param":
			if strings.TrimSpace(cred.TargetName) == "" {
				return fmt.Errorf("config: gateway.credentials[%s].targetName required for injectionMode %s", id, cred.InjectionMode)
			}
		default:
			return fmt.Errorf("config: gateway.credentials[%s].injectionMode unsupported: %s", id, cred.InjectionMode)
		}
	}
	for id, pol := range g.Policies {
		switch strings.ToLower(strings.TrimSpace(pol.Mode)) {
		case "enforce", "shadow":
		default:
			return fmt.Errorf("config: gateway.policies[%s].mode unsupported: %s", id, pol.Mode)
		}
		switch pol.EffectivePhase() {
		case "request", "response", "both":
		default:
			return fmt.Errorf("config: gateway.policies[%s].phase unsupported: %s", id, pol.Phase)
		}
		for i, rule := range pol.Rules {
			if strings.TrimSpace(rule.When) == "" {
				return fmt.Errorf("config: gateway.policies[%s].rules[%d].when required", id, i)
			}
			for j, action := range rule.Then {
				if err := validateGatewayAction(action, id, i, j); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateGatewayAction(a GatewayPolicyActionConfig, policyID string, ruleIdx, actionIdx int) error {
	ctx := fmt.Sprintf("config: gateway.policies[%s].rules[%d].then[%d]", policyID, ruleIdx, actionIdx)
	switch strings.ToLower(strings.TrimSpace(a.Kind)) {
	case "deny", "require_approval", "rewrite_header", "rewrite_body_field",
		"set_upstream", "split", "set_guardrail_preset", "cap_response_tokens",
		"redact_response", "log_violation":
	case "":
		return fmt.Errorf("%s.kind required", ctx)
	default:
		return fmt.Errorf("%s.kind unsupported: %s", ctx, a.Kind)
	}
	return nil
}
