// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/session"
	"github.com/locallm/gateway/internal/singleflight"
	"github.com/locallm/gateway/internal/token"
)

// TokenValidator is the slice of the Token Service (C3) the Auth Middleware
// depends on, narrowed to an interface so it can be faked in tests.
type TokenValidator interface {
	ValidateBearer(ctx context.Context, headerValue string) (jti string, scope domain.TokenScope, err error)
	RefreshSession(ctx context.Context, sess domain.Session, threshold time.Duration) (domain.Session, error)
	Claims(ctx context.Context, accessToken string) (token.Claims, error)
}

// RoleHeader and ScopeHeader are the sole cross-middleware contract between
// the Auth Middleware (C5) and the Authorization Middleware (C6) — the two
// header names a downstream handler is allowed to trust. Any inbound copy
// is stripped before a request is classified, so a client can never forge
// them directly.
const (
	RoleHeader  = "X-Resource-Role"
	ScopeHeader = "X-Resource-Token-Scope"

	// SessionCookieName is the cookie carrying the opaque session id.
	SessionCookieName = "apis_session"
)

// refreshSF coalesces concurrent near-expiry refreshes for the same session
// id (spec.md §4.2 "single-flight per session id"). It lives at the
// middleware layer, not inside the Token Service, because only C5 knows
// which session a given request is trying to refresh.
var refreshSF = singleflight.NewGroup[string, domain.Session]()

// Auth builds the Auth Middleware (C5): per request, classify the
// credential present (bearer, session cookie, or none) and inject the
// normalized identity headers downstream code trusts.
//
// In non-authenticated mode (config.IsNonAuthMode), the middleware is a
// pass-through: it injects nothing and never touches C3/C4.
func Auth(tokens TokenValidator, sessions session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(RoleHeader)
			r.Header.Del(ScopeHeader)

			if config.IsNonAuthMode() {
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); auth != "" {
				_, scope, err := tokens.ValidateBearer(r.Context(), auth)
				if err != nil {
					apperr.Respond(w, r, apperr.Wrap(apperr.Unauthorized, err))
					return
				}
				r.Header.Set(ScopeHeader, scope.String())
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			threshold := config.SessionRefreshThreshold()
			if sess.NearExpiry(time.Now(), threshold) {
				refreshed, err, _ := refreshSF.Do(sess.ID, func() (domain.Session, error) {
					updated, err := tokens.RefreshSession(r.Context(), sess, threshold)
					if err != nil {
						return domain.Session{}, err
					}
					if err := sessions.Replace(r.Context(), updated); err != nil {
						return domain.Session{}, err
					}
					return updated, nil
				})
				if err != nil {
					log.Warn().Err(err).Str("session_id", sess.ID).Msg("auth: session refresh failed, dropping session")
					_ = sessions.Delete(r.Context(), sess.ID)
					clearSessionCookie(w, r)
					next.ServeHTTP(w, r)
					return
				}
				sess = refreshed
			}

			claims, err := tokens.Claims(r.Context(), sess.AccessToken)
			if err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("auth: session access token failed validation, dropping session")
				_ = sessions.Delete(r.Context(), sess.ID)
				clearSessionCookie(w, r)
				next.ServeHTTP(w, r)
				return
			}
			if claims.HasRole {
				r.Header.Set(RoleHeader, claims.Role.String())
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecureCookie(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// ClearSessionCookie expires the session cookie on the client, for use by
// the logout handler outside this package.
func ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w, r)
}

// SetSessionCookie writes the session cookie a browser presents on every
// subsequent request, carrying only the opaque session id.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecureCookie(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   30 * 24 * 60 * 60,
	})
}

// IsSecureCookie reports whether cookies set for r should carry the Secure
// attribute, per the same TLS/proxy/env-override rules CSRF cookies use.
func IsSecureCookie(r *http.Request) bool {
	return isSecureCookie(r)
}
