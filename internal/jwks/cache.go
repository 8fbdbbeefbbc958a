// Package jwks implements the Key Set Cache (C2): fetching and caching the
// authorization server's signing keys, with rate-limited refresh on an
// unknown kid.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog/log"
)

// ForceRefreshMinInterval bounds how often an unknown kid can trigger a
// refetch, to prevent a client from driving refresh storms (spec §4.1).
const ForceRefreshMinInterval = 10 * time.Second

// Cache holds the cached JWKS for one authorization server.
type Cache struct {
	mu               sync.RWMutex
	keySet           *jose.JSONWebKeySet
	lastFetch        time.Time
	lastForceRefresh time.Time
	cacheTTL         time.Duration
	issuer           string
	httpClient       *http.Client
}

// discoveryResponse is the subset of the OIDC discovery document needed to
// locate the JWKS endpoint.
type discoveryResponse struct {
	JWKSURI string `json:"jwks_uri"`
	Issuer  string `json:"issuer"`
}

// New builds a Cache for the given issuer base URL (its discovery document
// is fetched from issuer + "/.well-known/openid-configuration"). cacheTTL
// of zero uses a 5-minute default.
func New(issuer string, cacheTTL time.Duration) *Cache {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Cache{
		issuer:   strings.TrimSuffix(issuer, "/"),
		cacheTTL: cacheTTL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// KeySet returns the cached JWKS, refreshing if expired.
func (c *Cache) KeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	c.mu.RLock()
	if c.keySet != nil && time.Since(c.lastFetch) < c.cacheTTL {
		ks := c.keySet
		c.mu.RUnlock()
		return ks, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-checked: another goroutine may have refreshed while we waited
	// for the write lock.
	if c.keySet != nil && time.Since(c.lastFetch) < c.cacheTTL {
		return c.keySet, nil
	}
	return c.fetchLocked(ctx)
}

// fetchLocked performs the discovery + JWKS round trip. Callers must hold
// c.mu for writing.
func (c *Cache) fetchLocked(ctx context.Context) (*jose.JSONWebKeySet, error) {
	discoveryURL := c.issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build discovery request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: discovery document returned status %d", resp.StatusCode)
	}

	var discovery discoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return nil, fmt.Errorf("jwks: decode discovery document: %w", err)
	}
	if discovery.JWKSURI == "" {
		return nil, fmt.Errorf("jwks: discovery document missing jwks_uri")
	}

	jwksReq, err := http.NewRequestWithContext(ctx, http.MethodGet, discovery.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build JWKS request: %w", err)
	}
	jwksResp, err := c.httpClient.Do(jwksReq)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch JWKS: %w", err)
	}
	defer jwksResp.Body.Close()
	if jwksResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: JWKS endpoint returned status %d", jwksResp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(jwksResp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("jwks: decode JWKS: %w", err)
	}

	c.keySet = &keySet
	c.lastFetch = time.Now()
	log.Debug().Str("jwks_uri", discovery.JWKSURI).Int("keys", len(keySet.Keys)).Msg("jwks: cache refreshed")
	return c.keySet, nil
}

// KeyForKID returns the JWKS, forcing at most one refresh per
// ForceRefreshMinInterval when kid is not present in the cached set. This
// absorbs key rotation without letting an attacker-controlled kid drive
// unbounded upstream calls.
func (c *Cache) KeyForKID(ctx context.Context, kid string) (*jose.JSONWebKeySet, error) {
	ks, err := c.KeySet(ctx)
	if err != nil {
		return nil, err
	}
	if kid == "" || len(ks.Key(kid)) > 0 {
		return ks, nil
	}

	c.mu.Lock()
	if time.Since(c.lastForceRefresh) <= ForceRefreshMinInterval {
		c.mu.Unlock()
		log.Debug().Str("kid", kid).Msg("jwks: unknown kid, force-refresh rate-limited")
		return ks, nil
	}
	c.lastForceRefresh = time.Now()
	c.lastFetch = time.Time{}
	c.mu.Unlock()

	log.Info().Str("kid", kid).Msg("jwks: unknown kid, forcing refresh")
	return c.KeySet(ctx)
}
