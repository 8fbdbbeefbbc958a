package handlers

import (
	"context"
	"net/http"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/middleware"
	"github.com/locallm/gateway/internal/session"
	"github.com/locallm/gateway/internal/token"
)

// currentSession resolves the session cookie on r into its backing record
// and the subject (user id) of its current access token. Handlers that need
// to act on behalf of a specific user — rather than just a role or scope —
// call this instead of trusting the X-Resource-Role header alone, since
// that header carries no user identity.
func currentSession(ctx context.Context, r *http.Request, sessions session.Store, tokens *token.Service) (domain.Session, string, error) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return domain.Session{}, "", apperr.New(apperr.Unauthorized)
	}

	sess, err := sessions.Get(ctx, cookie.Value)
	if err != nil {
		return domain.Session{}, "", apperr.New(apperr.Unauthorized)
	}

	claims, err := tokens.Claims(ctx, sess.AccessToken)
	if err != nil {
		return domain.Session{}, "", err
	}
	return sess, claims.Subject, nil
}
