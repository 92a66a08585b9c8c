// Package tokenresolver implements the virtual token resolver: it consults
// the cache (internal/runtime/cache) before falling back to the canonical
// store, back-filling the cache with a short TTL on miss.
package tokenresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ailink/gateway/internal/runtime/cache"
	"github.com/ailink/gateway/internal/runtime/upstream"
)

// ErrNotFound is returned when no token row exists for the given id.
var ErrNotFound = errors.New("tokenresolver: token not found")

// ErrInactive is returned when the token row exists but is flagged inactive.
var ErrInactive = errors.New("tokenresolver: token inactive")

// ErrUnavailable wraps a transient store failure.
type ErrUnavailable struct{ Cause error }

func (e ErrUnavailable) Error() string { return fmt.Sprintf("tokenresolver: store unavailable: %v", e.Cause) }
func (e ErrUnavailable) Unwrap() error { return e.Cause }

// Row is the canonical token row as read from the persistent store.
type Row struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	CredentialID   string                `json:"credentialId"`
	PolicyIDs      []string              `json:"policyIds"`
	Upstreams      []upstream.Target     `json:"upstreams"`
	LogLevel       string                `json:"logLevel"`
	Active         bool                  `json:"active"`
	ContentVersion int64                 `json:"contentVersion"`
}

// Store is the narrow persistent-store contract the resolver consumes. A
// concrete implementation is config- or database-backed; the hot path never
// depends on which.
type Store interface {
	LookupToken(ctx context.Context, tokenID string) (Row, error)
}

// ResolvedToken is what the hot path needs to proceed: the token's identity,
// credential/policy references, upstream pool, and log level, plus whether
// this resolution was served from cache.
type ResolvedToken struct {
	Row
	FromCache bool
}

const namespace = "resolve:v1:"

// Resolver resolves token ids via the cache's single-flight read-through
// loader, falling back to Store on miss and back-filling the cache with a
// short TTL. Concurrent misses for the same token issue one store read.
type Resolver struct {
	loader *cache.Loader
	store  Store
	ttl    time.Duration
}

// New constructs a Resolver. ttl should be short (seconds) so admin-plane
// changes propagate quickly.
func New(c cache.DecisionCache, store Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Resolver{loader: cache.NewLoader(c), store: store, ttl: ttl}
}

// Resolve looks up a token id, consulting the cache first. It returns
// ErrNotFound, ErrInactive, or ErrUnavailable on failure; none of those
// paths consult the vault. Inactive tokens are cached like active ones so
// repeated requests with a disabled token don't hammer the store.
func (r *Resolver) Resolve(ctx context.Context, tokenID string) (ResolvedToken, error) {
	encoded, fromCache, err := r.loader.GetOrLoad(ctx, namespace+tokenID, r.ttl, func(ctx context.Context) (string, error) {
		row, lookupErr := r.store.LookupToken(ctx, tokenID)
		if lookupErr != nil {
			return "", lookupErr
		}
		payload, marshalErr := json.Marshal(row)
		if marshalErr != nil {
			return "", marshalErr
		}
		return string(payload), nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResolvedToken{}, ErrNotFound
		}
		return ResolvedToken{}, ErrUnavailable{Cause: err}
	}

	var row Row
	if jsonErr := json.Unmarshal([]byte(encoded), &row); jsonErr != nil {
		return ResolvedToken{}, ErrUnavailable{Cause: jsonErr}
	}
	if !row.Active {
		return ResolvedToken{}, ErrInactive
	}
	return ResolvedToken{Row: row, FromCache: fromCache}, nil
}
