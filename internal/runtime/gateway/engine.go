// Package gateway wires the token resolver, policy engine, quota keeper,
// approval broker, vault, upstream router, response cache, scrubber, and
// audit emitter into the per-request hot path, exposed as a plain
// http.Handler that serves any method under any non-admin path.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ailink/gateway/internal/config"
	"github.com/ailink/gateway/internal/metrics"
	"github.com/ailink/gateway/internal/runtime/approval"
	"github.com/ailink/gateway/internal/runtime/audit"
	"github.com/ailink/gateway/internal/runtime/cache"
	"github.com/ailink/gateway/internal/runtime/policy"
	"github.com/ailink/gateway/internal/runtime/quota"
	"github.com/ailink/gateway/internal/runtime/responsecache"
	"github.com/ailink/gateway/internal/runtime/tokenresolver"
	"github.com/ailink/gateway/internal/runtime/upstream"
	"github.com/ailink/gateway/internal/vault"
)

// CacheBackend is the tiered cache capability the gateway needs: decision
// blob storage (for the token resolver and response cache) and atomic
// counters (for quota and the circuit breaker). Both of
// internal/runtime/cache's backends (memory, valkey-backed) satisfy it.
type CacheBackend interface {
	cache.DecisionCache
	cache.Counter
}

// Options bundles the dependencies Engine needs beyond the static config.
type Options struct {
	Cache          CacheBackend
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	ApprovalStore  approval.Store
	ApprovalNotify approval.Notifier
	AuditStore     audit.Store
	Client         upstream.Doer
}

// Engine holds every compiled/constructed component the pipeline dispatches
// across, plus the static gateway configuration needed for quota windows
// and scrubber presets.
type Engine struct {
	cfg    config.GatewayConfig
	store  *configStore
	logger *slog.Logger
	metric *metrics.Recorder

	resolver      *tokenresolver.Resolver
	policies      *policy.Engine
	quotaKeeper   *quota.Keeper
	rateWindows   []rateWindowSpec
	spendCaps     quota.SpendCaps
	approvalBroker *approval.Broker
	approvalTTL   time.Duration
	vault         *vault.Vault
	router        *upstream.Router
	breaker       *upstream.Breaker
	priceTable    upstream.PriceTable
	responseCache *responsecache.Cache
	auditEmitter  *audit.Emitter
}

// New constructs an Engine from static configuration and runtime
// dependencies, assembling every pipeline component once at startup.
func New(cfg config.Config, opts Options) (*Engine, error) {
	gw := cfg.Gateway
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "gateway"))

	store := newConfigStore(gw)

	resolver := tokenresolver.New(opts.Cache, store, 5*time.Second)

	policies, err := policy.New(gw.Policies)
	if err != nil {
		return nil, err
	}

	quotaKeeper := quota.New(opts.Cache, opts.Metrics)

	breakerPolicy := upstream.BreakerPolicy{
		FailThreshold: int64(gw.Breaker.FailThreshold),
	}
	if d, derr := time.ParseDuration(gw.Breaker.FailWindow); derr == nil {
		breakerPolicy.FailWindow = d
	}
	if d, derr := time.ParseDuration(gw.Breaker.CoolDown); derr == nil {
		breakerPolicy.CoolDown = d
	}
	if d, derr := time.ParseDuration(gw.Breaker.CoolDownCeiling); derr == nil {
		breakerPolicy.CoolDownCeil = d
	}
	breaker := upstream.NewBreaker(opts.Cache, opts.Cache, breakerPolicy).WithMetrics(opts.Metrics)

	retry := upstream.RetryPolicy{
		MaxAttempts:   gw.Retry.MaxAttempts,
		BaseBackoffMs: gw.Retry.BaseBackoffMs,
		MaxBackoffMs:  gw.Retry.MaxBackoffMs,
		Jitter:        gw.Retry.Jitter,
	}
	router := upstream.NewRouter(opts.Client, breaker, retry, opts.Metrics)

	v, err := buildVault(gw.Vault)
	if err != nil {
		return nil, err
	}

	approvalStore := opts.ApprovalStore
	if approvalStore == nil {
		approvalStore = approval.NewMemoryStore()
	}
	notifier := opts.ApprovalNotify
	if notifier == nil {
		notifier = buildNotifier(gw.Approval, logger)
	}
	broker := approval.New(approvalStore, notifier)
	approvalTTL := 10 * time.Minute
	if d, derr := time.ParseDuration(gw.Approval.DefaultTTL); derr == nil && d > 0 {
		approvalTTL = d
	}

	auditStore := opts.AuditStore
	if auditStore == nil {
		auditStore = audit.NewMemoryStore()
	}
	emitter := audit.NewEmitter(auditStore, gw.Audit.QueueCapacity, opts.Metrics, logger)

	respCache := responsecache.New(opts.Cache, responsecache.Config{
		Enabled:                 gw.ResponseCache.Enabled,
		TTL:                     time.Duration(gw.ResponseCache.TTLSeconds) * time.Second,
		MaxEntryBytes:           gw.ResponseCache.MaxEntryBytes,
		CacheableTemperatureMax: gw.ResponseCache.CacheableTemperatureMax,
		StreamingCacheEnabled:   gw.ResponseCache.StreamingCacheEnabled,
	})

	return &Engine{
		cfg:            gw,
		store:          store,
		logger:         logger,
		metric:         opts.Metrics,
		resolver:       resolver,
		policies:       policies,
		quotaKeeper:    quotaKeeper,
		rateWindows:    parseRateWindows(gw.Quota.RateWindows),
		spendCaps:      quota.SpendCaps{DailyMicroUSD: gw.Quota.DailyCapMicroUSD, MonthlyMicroUSD: gw.Quota.MonthlyCapMicroUSD},
		approvalBroker: broker,
		approvalTTL:    approvalTTL,
		vault:          v,
		router:         router,
		breaker:        breaker,
		priceTable:     buildPriceTable(gw.Pricing),
		responseCache:  respCache,
		auditEmitter:   emitter,
	}, nil
}

// Close flushes the audit emitter. Call during graceful shutdown.
func (e *Engine) Close() {
	if e.auditEmitter != nil {
		e.auditEmitter.Close()
	}
}

// Handler returns the http.Handler implementing the request hot path.
func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(e.serveHTTP)
}

// Approvals exposes the approval broker so the (out-of-scope) admin plane's
// decision endpoint can record outcomes against waiting requests.
func (e *Engine) Approvals() *approval.Broker {
	return e.approvalBroker
}

// buildNotifier selects the approval notification channel from config:
// "slack" posts to the configured channel, anything else logs the event
// through the gateway's own logger.
func buildNotifier(cfg config.GatewayApprovalConfig, logger *slog.Logger) approval.Notifier {
	switch strings.ToLower(strings.TrimSpace(cfg.Notifier)) {
	case "slack":
		if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
			return approval.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel)
		}
		logger.Warn("slack notifier selected but token/channel missing, falling back to log notifier")
		return approval.NewLogNotifier(logger)
	case "", "none":
		return approval.NoopNotifier{}
	default:
		return approval.NewLogNotifier(logger)
	}
}
