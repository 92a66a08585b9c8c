// Package responsecache memoizes deterministic upstream responses: a
// canonical fingerprint over the request shape, single-flight coalescing
// of concurrent identical requests, and skip conditions that keep
// non-deterministic or oversized bodies out of the cache. It reuses
// internal/runtime/cache.DecisionCache the same way
// internal/runtime/tokenresolver does, storing the JSON-encoded Entry in
// Entry.Response.Message.
package responsecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ailink/gateway/internal/runtime/cache"
)

const namespace = "llm_cache:"

// Config configures skip conditions and storage limits.
type Config struct {
	Enabled                 bool
	TTL                      time.Duration
	MaxEntryBytes            int
	CacheableTemperatureMax  float64
	StreamingCacheEnabled    bool
}

// Fingerprint is the input to the cache key: the canonical projection of a
// request plus its routing context.
type Fingerprint struct {
	TokenID     string
	UpstreamURL string
	Method      string
	Path        string
	Model       string
	Messages    any
	Temperature float64
	MaxTokens   int
	Tools       any
	ToolChoice  any
}

// Key computes the sha256 cache key over the canonical fields, in a fixed
// field order so JSON map key ordering never perturbs the hash.
func (f Fingerprint) Key() string {
	canonical := struct {
		TokenID     string `json:"token_id"`
		UpstreamURL string `json:"upstream_url"`
		Method      string `json:"method"`
		Path        string `json:"path"`
		Model       string `json:"model"`
		Messages    any    `json:"messages,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
		MaxTokens   int    `json:"max_tokens,omitempty"`
		Tools       any    `json:"tools,omitempty"`
		ToolChoice  any    `json:"tool_choice,omitempty"`
	}{f.TokenID, f.UpstreamURL, f.Method, f.Path, f.Model, f.Messages, f.Temperature, f.MaxTokens, f.Tools, f.ToolChoice}
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return namespace + hex.EncodeToString(sum[:])
}

// Entry is the cached payload.
type Entry struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// SkipReason explains why a request is not eligible for caching.
type SkipReason string

const (
	SkipDisabled          SkipReason = "disabled"
	SkipNoCacheHeader     SkipReason = "no_cache_header"
	SkipStreaming         SkipReason = "streaming_disabled"
	SkipHighTemperature   SkipReason = "temperature_too_high"
	SkipTooLarge          SkipReason = "entry_too_large"
	SkipNonSuccess        SkipReason = "non_2xx_status"
)

// Cache wraps a DecisionCache with the gateway's response-cache semantics,
// coalescing concurrent identical misses via singleflight.
type Cache struct {
	backend cache.DecisionCache
	cfg     Config
	group   singleflight.Group
}

// New constructs a Cache.
func New(backend cache.DecisionCache, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 1 << 20
	}
	return &Cache{backend: backend, cfg: cfg}
}

// SkipRequest evaluates the request-side skip conditions: streaming
// without streaming-cache enabled, temperature above the cacheable
// threshold, and the explicit x-ailink-no-cache header.
func (c *Cache) SkipRequest(temperature float64, streaming bool, noCacheHeader bool) (SkipReason, bool) {
	if !c.cfg.Enabled {
		return SkipDisabled, true
	}
	if noCacheHeader {
		return SkipNoCacheHeader, true
	}
	if streaming && !c.cfg.StreamingCacheEnabled {
		return SkipStreaming, true
	}
	if c.cfg.CacheableTemperatureMax > 0 && temperature > c.cfg.CacheableTemperatureMax {
		return SkipHighTemperature, true
	}
	return "", false
}

// Probe looks up a cached response for the fingerprint, coalescing
// concurrent callers with the same key via singleflight so a cache
// stampede only issues one Lookup. onMiss is invoked at most once per
// coalesced group when no cached entry exists; its error, if any, is
// propagated to every waiter.
func (c *Cache) Probe(ctx context.Context, fp Fingerprint, onMiss func() (Entry, bool, error)) (Entry, bool, error) {
	key := fp.Key()
	if entry, ok, err := c.lookup(ctx, key); err == nil && ok {
		return entry, true, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok, err := c.lookup(ctx, key); err == nil && ok {
			return cacheResult{entry, true}, nil
		}
		entry, shouldStore, missErr := onMiss()
		if missErr != nil {
			return cacheResult{}, missErr
		}
		if shouldStore {
			_ = c.Fill(ctx, fp, entry)
		}
		return cacheResult{entry, false}, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	res := result.(cacheResult)
	return res.entry, res.hit, nil
}

type cacheResult struct {
	entry Entry
	hit   bool
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool, error) {
	raw, ok, err := c.backend.Lookup(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if jsonErr := json.Unmarshal([]byte(raw.Response.Message), &entry); jsonErr != nil {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Fill stores entry for fp if it passes the response-side skip conditions
// (size limit, status code, upstream Cache-Control).
func (c *Cache) Fill(ctx context.Context, fp Fingerprint, entry Entry) error {
	if !c.cfg.Enabled {
		return nil
	}
	if len(entry.Body) > c.cfg.MaxEntryBytes {
		return nil
	}
	if entry.Status < 200 || entry.Status >= 300 {
		return nil
	}
	ttl := parseCacheControl(headerValue(entry.Headers, "Cache-Control")).effectiveTTL(c.cfg.TTL)
	if ttl <= 0 {
		return nil
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	storedAt := time.Now().UTC()
	return c.backend.Store(ctx, fp.Key(), cache.Entry{
		Decision:  "cached",
		Response:  cache.Response{Message: string(encoded)},
		StoredAt:  storedAt,
		ExpiresAt: storedAt.Add(ttl),
	})
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// canonicalMessages normalizes an arbitrary messages value into a
// deterministically ordered representation so map-valued message fields
// don't perturb the fingerprint across logically identical requests.
func canonicalMessages(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(t))
		for _, k := range keys {
			ordered[k] = canonicalMessages(t[k])
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalMessages(e)
		}
		return out
	default:
		return v
	}
}

// CanonicalMessages exposes canonicalMessages for callers building a
// Fingerprint from a decoded request body.
func CanonicalMessages(v any) any { return canonicalMessages(v) }
