// Package oauthflow implements the OAuth 2.0 authorization-code-with-PKCE
// login flow referenced in spec.md §6 ("Login is an OAuth 2.0
// authorization-code flow with PKCE against the configured issuer").
//
// The short-lived envelope carried between /app/login and
// /app/login/callback (the PKCE code_verifier and the post-login redirect
// target) is signed the same way the teacher signs its local-mode session
// JWTs (internal/auth/local_jwt.go: HS256-only, explicit issuer claim,
// jti, 30s clock-skew tolerance) — repurposed here for a few-minutes-lived
// state token instead of a multi-day session token.
package oauthflow

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// stateIssuer is the fixed issuer claim on state tokens, preventing
// confusion with any other HS256 token the gateway might ever sign.
const stateIssuer = "gateway-login-state"

// StateTTL bounds how long a login attempt has to complete the redirect
// round trip before its state token is rejected.
const StateTTL = 10 * time.Minute

var (
	ErrInvalidState = errors.New("oauthflow: invalid or expired login state")
)

// LoginState is the data carried through the redirect round trip.
type LoginState struct {
	CodeVerifier string `json:"code_verifier"`
	RedirectTo   string `json:"redirect_to"`
}

type stateClaims struct {
	jwt.Claims
	LoginState
}

// SignState produces a signed, opaque state token embedding st, valid for
// StateTTL and signed with secret (the gateway's device secret).
func SignState(st LoginState, secret []byte) (string, error) {
	now := time.Now()
	claims := stateClaims{
		Claims: jwt.Claims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(StateTTL)),
			Issuer:    stateIssuer,
		},
		LoginState: st,
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("oauthflow: create signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("oauthflow: sign state: %w", err)
	}
	return token, nil
}

// VerifyState validates a state token's signature, issuer, and expiry, and
// returns the embedded LoginState. Only HS256 is ever accepted, precluding
// algorithm-confusion against the gateway's own device secret.
func VerifyState(tokenString string, secret []byte) (LoginState, error) {
	parsed, err := jwt.ParseSigned(tokenString, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return LoginState{}, ErrInvalidState
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].Algorithm != string(jose.HS256) {
		return LoginState{}, ErrInvalidState
	}

	var claims stateClaims
	if err := parsed.Claims(secret, &claims); err != nil {
		return LoginState{}, ErrInvalidState
	}

	if claims.Issuer != stateIssuer {
		return LoginState{}, ErrInvalidState
	}
	if claims.Expiry == nil || claims.Expiry.Time().Add(30*time.Second).Before(time.Now()) {
		return LoginState{}, ErrInvalidState
	}
	if claims.NotBefore != nil && time.Now().Add(30*time.Second).Before(claims.NotBefore.Time()) {
		return LoginState{}, ErrInvalidState
	}

	return claims.LoginState, nil
}

// NewCodeVerifier generates a PKCE code_verifier per RFC 7636 §4.1
// (43-128 characters from the unreserved URL-safe alphabet).
func NewCodeVerifier() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauthflow: generate code_verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
