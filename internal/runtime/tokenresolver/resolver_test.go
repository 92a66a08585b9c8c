package tokenresolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ailink/gateway/internal/runtime/cache"
)

type fakeStore struct {
	rows   map[string]Row
	calls  int
	failWith error
}

func (f *fakeStore) LookupToken(_ context.Context, tokenID string) (Row, error) {
	f.calls++
	if f.failWith != nil {
		return Row{}, f.failWith
	}
	row, ok := f.rows[tokenID]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func TestResolverServesFromStoreThenCache(t *testing.T) {
	store := &fakeStore{rows: map[string]Row{
		"tok-1": {ID: "tok-1", Name: "primary", CredentialID: "cred-1", Active: true},
	}}
	resolver := New(cache.NewMemory(time.Minute), store, time.Minute)

	first, err := resolver.Resolve(context.Background(), "tok-1")
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.Equal(t, "cred-1", first.CredentialID)

	second, err := resolver.Resolve(context.Background(), "tok-1")
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, 1, store.calls, "second resolution should be served from cache, not the store")
}

func TestResolverNotFound(t *testing.T) {
	store := &fakeStore{rows: map[string]Row{}}
	resolver := New(cache.NewMemory(time.Minute), store, time.Minute)

	_, err := resolver.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolverInactiveToken(t *testing.T) {
	store := &fakeStore{rows: map[string]Row{
		"tok-2": {ID: "tok-2", Active: false},
	}}
	resolver := New(cache.NewMemory(time.Minute), store, time.Minute)

	_, err := resolver.Resolve(context.Background(), "tok-2")
	require.ErrorIs(t, err, ErrInactive)
}

func TestResolverUnavailableWrapsStoreError(t *testing.T) {
	cause := errors.New("boom")
	store := &fakeStore{failWith: cause}
	resolver := New(cache.NewMemory(time.Minute), store, time.Minute)

	_, err := resolver.Resolve(context.Background(), "tok-3")
	var unavailable ErrUnavailable
	require.ErrorAs(t, err, &unavailable)
	require.ErrorIs(t, unavailable.Cause, cause)
}
