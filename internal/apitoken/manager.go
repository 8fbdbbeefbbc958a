package apitoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/microcosm-cc/bluemonday"

	"github.com/locallm/gateway/internal/domain"
)

// sanitizer strips any HTML a token name might carry before it is persisted
// or ever rendered back to a browser.
var sanitizer = bluemonday.StrictPolicy()

// ErrForbidden is returned when a caller operates on a token it does not
// own; callers surface this identically to ErrNotFound so ownership is
// never disclosed.
var ErrForbidden = errors.New("apitoken: not owned by caller")

// TokenIssuer is the slice of the Token Service (C3) the manager depends on.
type TokenIssuer interface {
	IssueOfflineToken(ctx context.Context, sess domain.Session, scope domain.TokenScope) (string, error)
}

// Manager implements the API Token Manager (C10).
type Manager struct {
	store  Store
	tokens TokenIssuer
}

// New builds a Manager over the given Store and Token Service.
func New(store Store, tokens TokenIssuer) *Manager {
	return &Manager{store: store, tokens: tokens}
}

// unverifiedClaims is the slice of an offline token's own claims the
// manager reads to key its metadata record by the same jti
// C3.validate_bearer will later look up.
type unverifiedClaims struct {
	jwt.Claims
}

// Create requests a new offline refresh token scoped to scope on behalf of
// the user owning sess, persists its metadata keyed by the minted token's
// own jti, and returns both the record and the secret. The secret is never
// stored; this is the only call that ever sees it.
func (m *Manager) Create(ctx context.Context, sess domain.Session, userID, name string, scope domain.TokenScope) (domain.ApiToken, string, error) {
	clean := sanitizer.Sanitize(name)
	if clean == "" {
		return domain.ApiToken{}, "", fmt.Errorf("apitoken: name must not be empty after sanitization")
	}

	secret, err := m.tokens.IssueOfflineToken(ctx, sess, scope)
	if err != nil {
		return domain.ApiToken{}, "", err
	}

	jti, err := jtiOf(secret)
	if err != nil {
		return domain.ApiToken{}, "", fmt.Errorf("apitoken: read minted token id: %w", err)
	}

	tok := domain.ApiToken{
		ID:     jti,
		Name:   clean,
		UserID: userID,
		Status: domain.ApiTokenActive,
	}
	created, err := m.store.Create(ctx, tok)
	if err != nil {
		return domain.ApiToken{}, "", err
	}
	return created, secret, nil
}

// List returns every token owned by userID.
func (m *Manager) List(ctx context.Context, userID string) ([]domain.ApiToken, error) {
	return m.store.List(ctx, userID)
}

// UpdateStatus changes a token's status, refusing silently (ErrForbidden)
// if tokenID does not belong to userID — ownership failures and not-found
// are deliberately indistinguishable to the caller.
func (m *Manager) UpdateStatus(ctx context.Context, userID, tokenID string, status domain.ApiTokenStatus) error {
	tok, err := m.store.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.UserID != userID {
		return ErrForbidden
	}
	return m.store.UpdateStatus(ctx, tokenID, status)
}

// IsActive implements token.RevocationChecker: a jti with no tracked
// ApiToken record is treated as active (the gateway cannot revoke what it
// never issued); a tracked record is active iff its status is active.
func (m *Manager) IsActive(ctx context.Context, jti string) (bool, error) {
	tok, err := m.store.Get(ctx, jti)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return tok.Status == domain.ApiTokenActive, nil
}

func jtiOf(rawToken string) (string, error) {
	parsed, err := jwt.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return "", err
	}
	var claims unverifiedClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", fmt.Errorf("apitoken: minted token carries no jti")
	}
	return claims.ID, nil
}
