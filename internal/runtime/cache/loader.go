package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader is a read-through wrapper over a DecisionCache: concurrent misses
// for the same key coalesce into a single backing load, and a successful
// load back-fills the cache for the given ttl. Values are opaque strings
// (callers typically store JSON) carried in Entry.Response.Message.
type Loader struct {
	cache DecisionCache
	group singleflight.Group
}

// NewLoader wraps a DecisionCache.
func NewLoader(c DecisionCache) *Loader {
	return &Loader{cache: c}
}

// GetOrLoad returns the cached value for key, or invokes load once per
// coalesced group of concurrent callers and stores the result. fromCache
// reports whether the value was served without calling load. Load errors
// are never cached.
func (l *Loader) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (string, error)) (value string, fromCache bool, err error) {
	if entry, ok, lookupErr := l.cache.Lookup(ctx, key); lookupErr == nil && ok {
		return entry.Response.Message, true, nil
	}

	result, err, shared := l.group.Do(key, func() (any, error) {
		loaded, loadErr := load(ctx)
		if loadErr != nil {
			return "", loadErr
		}
		storedAt := time.Now().UTC()
		_ = l.cache.Store(ctx, key, Entry{
			Decision:  "loaded",
			Response:  Response{Message: loaded},
			StoredAt:  storedAt,
			ExpiresAt: storedAt.Add(ttl),
		})
		return loaded, nil
	})
	if err != nil {
		return "", false, err
	}
	return result.(string), shared, nil
}
