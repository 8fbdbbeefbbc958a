package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/domain"
)

// Require builds the Authorization Middleware (C6) for one route's
// requirement. requiredRole and requiredScope are both optional; pass nil
// for whichever the route does not gate on.
// Per spec.md §4.3's decision table, requiredScope == nil means the route is
// session-only: a scope-bearing (bearer-token) request is always denied,
// even if its scope would numerically satisfy requiredRole.
func Require(requiredRole *domain.Role, requiredScope *domain.TokenScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.IsNonAuthMode() {
				next.ServeHTTP(w, r)
				return
			}

			roleHdr := r.Header.Get(RoleHeader)
			scopeHdr := r.Header.Get(ScopeHeader)

			switch {
			case scopeHdr != "":
				if requiredScope == nil {
					deny(w, r, "session-only route accessed with a token scope")
					return
				}
				scope, ok := domain.ParseScope(scopeHdr)
				if !ok || !scope.HasAccessTo(*requiredScope) {
					deny(w, r, "token scope below required minimum")
					return
				}
				next.ServeHTTP(w, r)
				return

			case roleHdr != "":
				if requiredRole == nil {
					next.ServeHTTP(w, r)
					return
				}
				role, ok := domain.ParseRole(roleHdr)
				if !ok || !role.HasAccessTo(*requiredRole) {
					deny(w, r, "role below required minimum")
					return
				}
				next.ServeHTTP(w, r)
				return

			default:
				deny(w, r, "no role or scope header present")
				return
			}
		})
	}
}

// deny always returns the single generic message spec.md §6/§8 requires,
// logging the real reason server-side only.
func deny(w http.ResponseWriter, r *http.Request, reason string) {
	log.Warn().Str("path", r.URL.Path).Str("reason", reason).Msg("authz: denied")
	apperr.Respond(w, r, apperr.New(apperr.Forbidden))
}
