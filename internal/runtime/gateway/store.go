package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ailink/gateway/internal/config"
	"github.com/ailink/gateway/internal/runtime/tokenresolver"
	"github.com/ailink/gateway/internal/runtime/upstream"
	"github.com/ailink/gateway/internal/vault"
)

// configStore is the default tokenresolver.Store, reading from the static
// gateway configuration. A deployment backed by a database instead swaps
// this for a pgx-backed implementation of the same interface; the hot path
// never knows the difference.
type configStore struct {
	cfg config.GatewayConfig
}

func newConfigStore(cfg config.GatewayConfig) *configStore {
	return &configStore{cfg: cfg}
}

func (s *configStore) LookupToken(_ context.Context, tokenID string) (tokenresolver.Row, error) {
	tok, ok := s.cfg.Tokens[tokenID]
	if !ok {
		return tokenresolver.Row{}, tokenresolver.ErrNotFound
	}
	upstreams := make([]upstream.Target, 0, len(tok.Upstreams))
	for _, u := range tok.Upstreams {
		upstreams = append(upstreams, upstream.Target{
			URL:                u.URL,
			Weight:             u.Weight,
			Priority:           u.Priority,
			CredentialOverride: u.CredentialOverride,
		})
	}
	return tokenresolver.Row{
		ID:           tokenID,
		Name:         tok.Name,
		CredentialID: tok.CredentialID,
		PolicyIDs:    tok.Policies,
		Upstreams:    upstreams,
		LogLevel:     tok.LogLevel,
		Active:       tok.IsActive(),
	}, nil
}

// errCredentialConfig marks a credential lookup failure as a configuration
// error, surfaced as "internal" at the boundary rather than an upstream
// failure.
var errCredentialConfig = errors.New("gateway: credential configuration error")

// credential looks up a credential's ciphertext and injection parameters.
func (s *configStore) credential(credentialID string) (config.GatewayCredentialConfig, error) {
	cred, ok := s.cfg.Credentials[credentialID]
	if !ok {
		return config.GatewayCredentialConfig{}, fmt.Errorf("%w: unknown credential %q", errCredentialConfig, credentialID)
	}
	if !cred.IsActive() {
		return config.GatewayCredentialConfig{}, fmt.Errorf("%w: credential %q is inactive", errCredentialConfig, credentialID)
	}
	return cred, nil
}

// buildVault constructs the process-wide vault from the configured,
// base64-encoded root keys.
func buildVault(cfg config.GatewayVaultConfig) (*vault.Vault, error) {
	keys := make(map[int][]byte, len(cfg.RootKeysBase64))
	for version, encoded := range cfg.RootKeysBase64 {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("gateway: decode root key version %d: %w", version, err)
		}
		keys[version] = raw
	}
	if len(keys) == 0 {
		return nil, errors.New("gateway: no vault root keys configured")
	}
	return vault.New(keys)
}

// buildPriceTable constructs the model-prefix price table from config.
func buildPriceTable(entries []config.GatewayPriceEntryConfig) upstream.PriceTable {
	out := make([]upstream.PriceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, upstream.PriceEntry{
			ModelPrefix:  e.ModelPrefix,
			PriceInMicroUSD:  e.PriceInMicroUSD,
			PriceOutMicroUSD: e.PriceOutMicroUSD,
		})
	}
	return upstream.NewPriceTable(out)
}

// parseRateWindows converts config rate windows into window specs,
// skipping malformed durations rather than failing startup: a
// misconfigured window is operator error to catch at config review, and
// ValidateGateway only checks structural fields, not duration parse
// success.
func parseRateWindows(cfgs []config.GatewayRateWindowConfig) []rateWindowSpec {
	out := make([]rateWindowSpec, 0, len(cfgs))
	for _, w := range cfgs {
		dur, err := time.ParseDuration(w.Duration)
		if err != nil || dur <= 0 {
			continue
		}
		out = append(out, rateWindowSpec{Name: w.Name, Max: w.Max, Duration: dur})
	}
	return out
}

type rateWindowSpec struct {
	Name     string
	Max      int64
	Duration time.Duration
}
