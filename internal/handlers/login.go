package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/middleware"
	"github.com/locallm/gateway/internal/oauthflow"
	"github.com/locallm/gateway/internal/ratelimit"
	"github.com/locallm/gateway/internal/secrets"
	"github.com/locallm/gateway/internal/session"
	"github.com/locallm/gateway/internal/token"
)

// Login groups the browser login surface: the authorization-code redirect,
// its callback, logout, and the current-user probe the frontend polls on
// load.
type Login struct {
	secrets  *secrets.Store
	sessions session.Store
	tokens   *token.Service
	lockout  *ratelimit.AccountLockout
}

// NewLogin builds the Login handler group. lockout guards the callback's
// code exchange: this flow has no password to brute force, but a client IP
// that keeps submitting codes the authorization server rejects gets locked
// out the same way a repeatedly-wrong password would.
func NewLogin(store *secrets.Store, sessions session.Store, tokens *token.Service, lockout *ratelimit.AccountLockout) *Login {
	return &Login{secrets: store, sessions: sessions, tokens: tokens, lockout: lockout}
}

// callbackRedirectURI derives this deployment's own callback URL from the
// inbound request, so the gateway never needs a separately configured
// public base URL — the browser that hits /app/login is the same browser
// that will hit /app/login/callback.
func callbackRedirectURI(r *http.Request) string {
	scheme := "http"
	if middleware.IsSecureCookie(r) {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/app/login/callback", scheme, r.Host)
}

// Start answers GET /app/login: it builds a PKCE challenge, signs it and
// the post-login redirect target into an opaque state token, and redirects
// the browser to the authorization server.
func (l *Login) Start(w http.ResponseWriter, r *http.Request) {
	verifier, err := oauthflow.NewCodeVerifier()
	if err != nil {
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}

	redirectTo := r.URL.Query().Get("redirect_to")
	if redirectTo == "" {
		redirectTo = "/"
	}

	state, err := oauthflow.SignState(oauthflow.LoginState{
		CodeVerifier: verifier,
		RedirectTo:   redirectTo,
	}, l.secrets.DeviceSecret())
	if err != nil {
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}

	flow := oauthflow.New(config.Issuer(), l.secrets.AppRegInfo(), callbackRedirectURI(r))
	http.Redirect(w, r, flow.AuthorizeURL(verifier, state), http.StatusFound)
}

// Callback answers GET /app/login/callback: it verifies the round-tripped
// state, exchanges the authorization code, creates the session, and
// advances the bootstrap state machine past resource_admin once an admin
// has logged in for the first time.
func (l *Login) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	stateToken := r.URL.Query().Get("state")
	if code == "" || stateToken == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	ip := ratelimit.ExtractIP(r)
	if l.lockout != nil {
		if result := l.lockout.Check(ip); result.Locked {
			w.Header().Set("Retry-After", strconv.Itoa(result.SecondsUntilUnlock()))
			http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)
			return
		}
	}

	state, err := oauthflow.VerifyState(stateToken, l.secrets.DeviceSecret())
	if err != nil {
		http.Error(w, "login session expired, please try again", http.StatusBadRequest)
		return
	}

	flow := oauthflow.New(config.Issuer(), l.secrets.AppRegInfo(), callbackRedirectURI(r))
	sess, err := flow.ExchangeCode(r.Context(), code, state.CodeVerifier)
	if err != nil {
		log.Warn().Err(err).Msg("login: code exchange failed")
		if l.lockout != nil {
			if result := l.lockout.RecordFailure(ip); result.Locked {
				w.Header().Set("Retry-After", strconv.Itoa(result.SecondsUntilUnlock()))
			}
		}
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	if email, err := unverifiedEmail(sess.IDToken); err == nil {
		sess.UserEmail = email
	}

	claims, err := l.tokens.Claims(r.Context(), sess.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("login: issued access token failed validation")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	created, err := l.sessions.Create(r.Context(), sess)
	if err != nil {
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	if l.lockout != nil {
		l.lockout.RecordSuccess(ip)
	}

	if claims.HasRole && claims.Role == domain.RoleAdmin && l.secrets.Status() == domain.AppStatusResourceAdmin {
		if err := l.secrets.CompleteResourceAdmin(); err != nil {
			log.Warn().Err(err).Msg("login: failed to advance bootstrap state to ready")
		}
	}

	middleware.SetSessionCookie(w, r, created.ID)
	_ = middleware.SetCSRFCookie(w, r)

	http.Redirect(w, r, state.RedirectTo, http.StatusFound)
}

// Logout answers POST /api/ui/logout.
func (l *Login) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		_ = l.sessions.Delete(r.Context(), cookie.Value)
	}
	middleware.ClearSessionCookie(w, r)
	middleware.ClearCSRFCookie(w, r)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// currentUserResponse is what the frontend polls on load to decide whether
// to render as logged in.
type currentUserResponse struct {
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role,omitempty"`
}

// CurrentUser answers GET /api/ui/user. It is deliberately public (no Auth
// middleware failure on a missing session) — an anonymous visitor gets
// {"authenticated": false} rather than a 401.
func (l *Login) CurrentUser(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		respondJSON(w, http.StatusOK, currentUserResponse{Authenticated: false})
		return
	}

	sess, err := l.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		respondJSON(w, http.StatusOK, currentUserResponse{Authenticated: false})
		return
	}

	resp := currentUserResponse{Authenticated: true, Email: sess.UserEmail}
	if claims, err := l.tokens.Claims(r.Context(), sess.AccessToken); err == nil && claims.HasRole {
		resp.Role = claims.Role.String()
	}
	respondJSON(w, http.StatusOK, resp)
}

// unverifiedEmail reads the email claim off an OIDC id_token without
// verifying its signature — the id_token arrived directly from the
// authorization server's own token endpoint over a server-to-server TLS
// connection, so there is no third party to forge it, unlike a bearer
// token presented by an arbitrary client.
func unverifiedEmail(idToken string) (string, error) {
	if idToken == "" {
		return "", fmt.Errorf("login: no id_token returned")
	}
	parsed, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return "", err
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", err
	}
	return claims.Email, nil
}
