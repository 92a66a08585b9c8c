package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ailink/gateway/internal/config"
	"github.com/ailink/gateway/internal/metrics"
	"github.com/ailink/gateway/internal/runtime/approval"
	"github.com/ailink/gateway/internal/runtime/cache"
	"github.com/ailink/gateway/internal/vault"
)

// pendingID captures the most recent approval id surfaced through the
// notifier, standing in for the admin plane's pending-approval listing.
var pendingID atomic.Value

type capturingNotifier struct{}

func (capturingNotifier) Notify(_ context.Context, a approval.Approval) error {
	pendingID.Store(a.ID)
	return nil
}

const testRootKeyVersion = 1

func testRootKeyBase64(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func encryptCredential(t *testing.T, credentialID, plaintext string) string {
	t.Helper()
	keyBytes := make([]byte, 32)
	for i := range keyBytes {
		keyBytes[i] = byte(i + 1)
	}
	v, err := vault.New(map[int][]byte{testRootKeyVersion: keyBytes})
	require.NoError(t, err)
	ciphertext, err := v.Encrypt([]byte(plaintext), []byte(credentialID), testRootKeyVersion)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ciphertext)
}

func newTestEngine(t *testing.T, upstreamURL string, cfgMutator func(*config.GatewayConfig)) *Engine {
	t.Helper()
	gw := config.GatewayConfig{
		Tokens: map[string]config.GatewayTokenConfig{
			"tok-1": {
				Name:         "primary",
				CredentialID: "cred-1",
				Upstreams:    []config.GatewayUpstreamTargetConfig{{URL: upstreamURL, Weight: 1, Priority: 1}},
				LogLevel:     "metadata",
			},
		},
		Credentials: map[string]config.GatewayCredentialConfig{
			"cred-1": {
				Provider:         "test",
				CiphertextBase64: encryptCredential(t, "cred-1", "sk-test-secret"),
				KeyVersion:       testRootKeyVersion,
				InjectionMode:    "bearer-header",
			},
		},
		Vault: config.GatewayVaultConfig{RootKeysBase64: map[int]string{testRootKeyVersion: testRootKeyBase64(t)}},
		Retry: config.GatewayRetryConfig{MaxAttempts: 1, BaseBackoffMs: 1, MaxBackoffMs: 1},
		Audit: config.GatewayAuditConfig{QueueCapacity: 16},
	}
	if cfgMutator != nil {
		cfgMutator(&gw)
	}
	cfg := config.Config{Gateway: gw}

	backend, ok := cache.NewMemory(time.Minute).(CacheBackend)
	require.True(t, ok, "memory cache must satisfy CacheBackend")

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	engine, err := New(cfg, Options{
		Cache:          backend,
		Metrics:        recorder,
		Client:         http.DefaultClient,
		ApprovalNotify: capturingNotifier{},
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestHandlerRoundTripInjectsCredentialAndScrubs(t *testing.T) {
	var sawAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"model":"gpt-test","usage":{"prompt_tokens":3,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, nil)
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Bearer sk-test-secret", sawAuth)
	require.Equal(t, "bypass", resp.Header.Get("x-ailink-cache"), "response cache is disabled, so the request bypasses it")
	require.NotEmpty(t, resp.Header.Get("x-ailink-request-id"))
}

func TestHandlerUnknownTokenIsUnauthenticated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, nil)
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer does-not-exist")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerMissingAuthorizationHeader(t *testing.T) {
	engine := newTestEngine(t, "http://unused.invalid", nil)
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	resp, err := http.DefaultClient.Get(server.URL + "/v1/chat/completions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerPolicyDenyReturns403(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, func(gw *config.GatewayConfig) {
		tok := gw.Tokens["tok-1"]
		tok.Policies = []string{"block-all"}
		gw.Tokens["tok-1"] = tok
		gw.Policies = map[string]config.GatewayPolicyConfig{
			"block-all": {
				Mode:  "enforce",
				Phase: "request",
				Rules: []config.GatewayPolicyRuleConfig{
					{When: "true", Then: []config.GatewayPolicyActionConfig{{Kind: "deny", Reason: "blocked for test"}}},
				},
			},
		}
	})
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandlerResponseCacheHitSkipsUpstream(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, func(gw *config.GatewayConfig) {
		gw.ResponseCache = config.GatewayResponseCacheConfig{Enabled: true, TTLSeconds: 60, MaxEntryBytes: 1 << 20}
	})
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	body := `{"model":"gpt-test","messages":[{"role":"user","content":"hi"}],"temperature":0}`
	doReq := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok-1")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := doReq()
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, "miss", first.Header.Get("x-ailink-cache"))

	second := doReq()
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, "hit", second.Header.Get("x-ailink-cache"))
	require.Equal(t, int32(1), atomic.LoadInt32(&upstreamCalls), "cache hit must not reach the upstream")
}

func TestHandlerShadowPolicyDoesNotBlock(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, func(gw *config.GatewayConfig) {
		tok := gw.Tokens["tok-1"]
		tok.Policies = []string{"shadow-block"}
		gw.Tokens["tok-1"] = tok
		gw.Policies = map[string]config.GatewayPolicyConfig{
			"shadow-block": {
				Mode:  "shadow",
				Phase: "request",
				Rules: []config.GatewayPolicyRuleConfig{
					{When: "true", Then: []config.GatewayPolicyActionConfig{{Kind: "deny", Reason: "would block"}}},
				},
			},
		}
	})
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "shadow policies must not block")
	require.Equal(t, "shadow", resp.Header.Get("x-ailink-policy"))
}

func TestHandlerApprovalGrantedResumesRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, func(gw *config.GatewayConfig) {
		tok := gw.Tokens["tok-1"]
		tok.Policies = []string{"needs-approval"}
		gw.Tokens["tok-1"] = tok
		gw.Policies = map[string]config.GatewayPolicyConfig{
			"needs-approval": {
				Mode:  "enforce",
				Phase: "request",
				Rules: []config.GatewayPolicyRuleConfig{
					{When: "true", Then: []config.GatewayPolicyActionConfig{{Kind: "require_approval", Reason: "wire-transfer", TTL: "30s"}}},
				},
			},
		}
	})
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	// the reviewer decides as soon as the pending approval shows up; the
	// approval id equals the request id, which we learn from the notifier-
	// visible store via polling the broker's Decide path.
	approved := make(chan struct{})
	go func() {
		defer close(approved)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if id := pendingID.Load(); id != nil {
				_, err := engine.Approvals().Decide(context.Background(), id.(string), "approved", "reviewer-1")
				if err == nil {
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/wire", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	<-approved
	require.Equal(t, http.StatusOK, resp.StatusCode, "an approved request must resume and reach the upstream")
}

func TestHandlerRateLimitReturns429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	engine := newTestEngine(t, upstream.URL, func(gw *config.GatewayConfig) {
		gw.Quota.RateWindows = []config.GatewayRateWindowConfig{{Name: "per-second", Max: 1, Duration: "1m"}}
	})
	server := httptest.NewServer(engine.Handler())
	defer server.Close()

	doReq := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := doReq()
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := doReq()
	defer second.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	require.NotEmpty(t, second.Header.Get("Retry-After"))
}
