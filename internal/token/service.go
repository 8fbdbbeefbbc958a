// Package token implements the Token Service (C3): the single point of JWT
// validity truth, including JWKS-backed signature verification, offline
// token exchange, and session refresh — grounded on the same
// jose.ParseSigned / jwt.Expected verification shape the teacher uses in
// internal/middleware/auth.go, generalized beyond its single "validate a
// Keycloak access token" use.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/jwks"
	"github.com/locallm/gateway/internal/singleflight"
)

// ClockSkew bounds the tolerance for exp/nbf comparisons (spec §4.1: "expiry
// tolerance ≤ 30s skew").
const ClockSkew = 30 * time.Second

// exchangeMargin is subtracted from an exchanged access token's remaining
// lifetime before the cached exchange result is considered stale, so a
// caller never receives a token that expires moments after being handed
// out.
const exchangeMargin = 5 * time.Second

// accessClaims is the subset of standard + custom claims the gateway reads
// off a verified access token.
type accessClaims struct {
	jwt.Claims
	Scope          string   `json:"scope,omitempty"`
	ResourceAccess resAccess `json:"resource_access,omitempty"`
}

type resAccess map[string]struct {
	Roles []string `json:"roles"`
}

// Claims is the gateway's own normalized view of a verified access token,
// independent of whether it arrived as a bearer token or backs a session.
type Claims struct {
	Subject   string
	Email     string
	Role      domain.Role
	HasRole   bool
	ExpiresAt time.Time
}

// exchangeResult is cached per offline-token jti for the remaining lifetime
// of the exchanged access token (spec §4.1).
type exchangeResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

// tokenEndpointResponse is the RFC 6749 token-endpoint response shape.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// Service is the Token Service (C3).
type Service struct {
	issuer       string
	clientID     string
	clientSecret string
	cache        *jwks.Cache
	httpClient   *http.Client

	exchangeSF *singleflight.Group[string, exchangeResult]
	exchangeCache
	refreshSF   *singleflight.Group[string, domain.Session]
	revocations RevocationChecker
}

// exchangeCache holds completed exchange results keyed by jti, pruned
// lazily on lookup.
type exchangeCache struct {
	mu sync.RWMutex
	m  map[string]exchangeResult
}

// New builds a Token Service against the given issuer and app client
// registration.
func New(issuer, clientID, clientSecret string, cache *jwks.Cache) *Service {
	return &Service{
		issuer:       strings.TrimSuffix(issuer, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        cache,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		exchangeSF:   singleflight.NewGroup[string, exchangeResult](),
		exchangeCache: exchangeCache{m: make(map[string]exchangeResult)},
		refreshSF:    singleflight.NewGroup[string, domain.Session](),
	}
}

// verify performs JWKS-backed signature verification and standard-claims
// validation (iss/aud/exp with ClockSkew), returning the raw accessClaims.
func (s *Service) verify(ctx context.Context, rawToken string) (*accessClaims, error) {
	parsed, err := jwt.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return nil, apperr.WithMessage(apperr.Unauthorized, "invalid token format", err)
	}

	var kid string
	if len(parsed.Headers) > 0 {
		kid = parsed.Headers[0].KeyID
	}

	keySet, err := s.cache.KeyForKID(ctx, kid)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, err)
	}

	var claims accessClaims
	verified := false
	candidates := keySet.Keys
	if kid != "" {
		candidates = keySet.Key(kid)
	}
	for _, key := range candidates {
		if err := parsed.Claims(key, &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, apperr.New(apperr.Unauthorized)
	}

	expected := jwt.Expected{
		Issuer:      s.issuer,
		AnyAudience: jwt.Audience{s.clientID},
		Time:        time.Now(),
	}
	if err := claims.Claims.Validate(expected); err != nil {
		return nil, apperr.WithMessage(apperr.Unauthorized, "invalid token claims", err)
	}

	return &claims, nil
}

// ValidateBearer implements validate_bearer: verify signature/claims,
// require offline_access, exchange the offline token for a short-lived
// access token (single-flight + cached by jti), and return the resulting
// TokenScope.
func (s *Service) ValidateBearer(ctx context.Context, headerValue string) (jti string, scope domain.TokenScope, err error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return "", 0, apperr.New(apperr.Unauthorized)
	}
	rawToken := strings.TrimSpace(headerValue[len(prefix):])

	claims, err := s.verify(ctx, rawToken)
	if err != nil {
		return "", 0, err
	}

	highest, hasOffline, found := domain.HighestScope(claims.Scope)
	if !hasOffline {
		return "", 0, apperr.WithMessage(apperr.Unauthorized, "token is not an offline-access token", nil)
	}
	if !found {
		// offline_access present but no recognized scope_token_* — treat as
		// the lowest scope rather than rejecting outright.
		highest = domain.ScopeUser
	}

	jti = claims.ID
	if jti == "" {
		return "", 0, apperr.WithMessage(apperr.Unauthorized, "token missing jti", nil)
	}

	if s.revocations != nil {
		active, err := s.revocations.IsActive(ctx, jti)
		if err != nil {
			return "", 0, apperr.Wrap(apperr.Upstream, err)
		}
		if !active {
			return "", 0, apperr.WithMessage(apperr.Unauthorized, "token has been revoked", nil)
		}
	}

	if _, err := s.exchange(ctx, jti, rawToken); err != nil {
		return "", 0, err
	}

	return jti, highest, nil
}

// RevocationChecker is the slice of the API Token Manager (C10) the Token
// Service consults before exchanging a bearer token, so a revoked token is
// rejected on its very next use without waiting for its own expiry.
type RevocationChecker interface {
	IsActive(ctx context.Context, jti string) (bool, error)
}

// SetRevocationChecker wires C10 into C3's validate_bearer path. Left unset,
// every structurally valid offline token is accepted regardless of any
// ApiToken record's status.
func (s *Service) SetRevocationChecker(rc RevocationChecker) {
	s.revocations = rc
}

// exchange trades an offline refresh token for a short-lived access token,
// coalescing concurrent callers for the same jti and caching the result for
// the exchanged token's remaining lifetime minus exchangeMargin.
func (s *Service) exchange(ctx context.Context, jti, offlineToken string) (exchangeResult, error) {
	s.exchangeCache.mu.RLock()
	if cached, ok := s.exchangeCache.m[jti]; ok && time.Now().Before(cached.ExpiresAt) {
		s.exchangeCache.mu.RUnlock()
		return cached, nil
	}
	s.exchangeCache.mu.RUnlock()

	val, err, _ := s.exchangeSF.Do(jti, func() (exchangeResult, error) {
		resp, err := s.callTokenEndpoint(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {offlineToken},
			"client_id":     {s.clientID},
			"client_secret": {s.clientSecret},
		})
		if err != nil {
			return exchangeResult{}, err
		}
		res := exchangeResult{
			AccessToken: resp.AccessToken,
			ExpiresAt:   time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - exchangeMargin),
		}
		s.exchangeCache.mu.Lock()
		s.exchangeCache.m[jti] = res
		s.exchangeCache.mu.Unlock()
		return res, nil
	})
	return val, err
}

// RefreshSession implements refresh_session: if the session's access token
// expires within threshold, call the refresh grant and atomically replace
// all three tokens. Concurrent callers for one session id are coalesced.
func (s *Service) RefreshSession(ctx context.Context, session domain.Session, threshold time.Duration) (domain.Session, error) {
	if !session.NearExpiry(time.Now(), threshold) {
		return session, nil
	}

	updated, err, _ := s.refreshSF.Do(session.ID, func() (domain.Session, error) {
		resp, err := s.callTokenEndpoint(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {session.RefreshToken},
			"client_id":     {s.clientID},
			"client_secret": {s.clientSecret},
		})
		if err != nil {
			return domain.Session{}, err
		}
		next := session
		next.AccessToken = resp.AccessToken
		if resp.RefreshToken != "" {
			next.RefreshToken = resp.RefreshToken
		}
		if resp.IDToken != "" {
			next.IDToken = resp.IDToken
		}
		next.AccessExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		return next, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return updated, nil
}

// IssueOfflineToken requests a new offline refresh token scoped to scope,
// on behalf of the user owning sess, for the API Token Manager (C10). It
// uses the session's own refresh token as authorization for the request —
// the gateway never holds a credential broader than the user who is asking
// for one — and widens the requested scope to include offline_access plus
// the scope_token_* claim matching scope.
func (s *Service) IssueOfflineToken(ctx context.Context, sess domain.Session, scope domain.TokenScope) (string, error) {
	resp, err := s.callTokenEndpoint(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"scope":         {"openid offline_access " + scope.String()},
	})
	if err != nil {
		return "", err
	}
	if resp.RefreshToken == "" {
		return "", apperr.WithMessage(apperr.Upstream, "authorization server did not return an offline refresh token", nil)
	}
	return resp.RefreshToken, nil
}

// Claims extracts signature-verified claims from an access token, for use
// by the auth middleware to produce role headers.
func (s *Service) Claims(ctx context.Context, accessToken string) (Claims, error) {
	claims, err := s.verify(ctx, accessToken)
	if err != nil {
		return Claims{}, err
	}
	role, hasRole := domain.HighestRole(claims.roleCandidates(s.clientID))
	exp := time.Time{}
	if claims.Expiry != nil {
		exp = claims.Expiry.Time()
	}
	return Claims{
		Subject:   claims.Subject,
		Role:      role,
		HasRole:   hasRole,
		ExpiresAt: exp,
	}, nil
}

// roleCandidates reads resource_access.[client_id].roles, spec §3.
func (c *accessClaims) roleCandidates(clientID string) []string {
	if entry, ok := c.ResourceAccess[clientID]; ok {
		return entry.Roles
	}
	return nil
}

// callTokenEndpoint performs one token-endpoint POST with a 10s hard
// deadline (spec §5), mapping upstream failures (including invalid_grant)
// to apperr kinds the caller can distinguish.
func (s *Service) callTokenEndpoint(ctx context.Context, form url.Values) (tokenEndpointResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.issuer+"/protocol/openid-connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return tokenEndpointResponse{}, apperr.Wrap(apperr.Internal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return tokenEndpointResponse{}, apperr.Wrap(apperr.Upstream, err)
	}
	defer resp.Body.Close()

	var body tokenEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return tokenEndpointResponse{}, apperr.Wrap(apperr.Upstream, fmt.Errorf("decode token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if body.Error == "invalid_grant" {
			log.Warn().Msg("token: upstream rejected refresh/exchange grant (invalid_grant)")
			return tokenEndpointResponse{}, apperr.WithMessage(apperr.Unauthorized, "session expired", fmt.Errorf("invalid_grant"))
		}
		log.Error().Int("status", resp.StatusCode).Str("error", body.Error).Msg("token: upstream token endpoint error")
		return tokenEndpointResponse{}, apperr.Wrap(apperr.Upstream, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, body.Error))
	}

	return body, nil
}
