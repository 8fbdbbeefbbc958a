package oauthflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/locallm/gateway/internal/domain"
)

// Flow drives the authorization-code-with-PKCE round trip against one
// issuer for one registered OAuth client.
type Flow struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
}

// New builds a Flow for reg against issuer, redirecting back to redirectURI
// after the authorization server approves the request.
func New(issuer string, reg domain.AppRegInfo, redirectURI string) *Flow {
	return &Flow{
		issuer:       strings.TrimSuffix(issuer, "/"),
		clientID:     reg.ClientID,
		clientSecret: reg.ClientSecret,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// challengeFromVerifier derives the S256 code_challenge for a code_verifier
// per RFC 7636 §4.2.
func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL builds the URL the browser is redirected to, binding the
// PKCE challenge and an opaque state value (the signed LoginState token).
func (f *Flow) AuthorizeURL(codeVerifier, state string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.clientID},
		"redirect_uri":          {f.redirectURI},
		"scope":                 {"openid profile email"},
		"code_challenge":        {challengeFromVerifier(codeVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	return f.issuer + "/protocol/openid-connect/auth?" + q.Encode()
}

// tokenResponse is the RFC 6749 token-endpoint response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// ExchangeCode trades the authorization code and its PKCE verifier for a
// token set, returning a freshly minted Session (without an ID — the
// caller assigns the opaque session id on create).
func (f *Flow) ExchangeCode(ctx context.Context, code, codeVerifier string) (domain.Session, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {f.redirectURI},
		"client_id":     {f.clientID},
		"client_secret": {f.clientSecret},
		"code_verifier": {codeVerifier},
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.issuer+"/protocol/openid-connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Session{}, fmt.Errorf("oauthflow: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return domain.Session{}, fmt.Errorf("oauthflow: call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Session{}, fmt.Errorf("oauthflow: decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Session{}, fmt.Errorf("oauthflow: token endpoint returned %d: %s", resp.StatusCode, body.Error)
	}

	return domain.Session{
		AccessToken:     body.AccessToken,
		RefreshToken:    body.RefreshToken,
		IDToken:         body.IDToken,
		AccessExpiresAt: time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
