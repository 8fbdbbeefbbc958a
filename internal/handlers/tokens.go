package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/locallm/gateway/internal/apitoken"
	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/session"
	"github.com/locallm/gateway/internal/token"
)

// Tokens implements the API Token Manager's (C10) HTTP surface. Every
// handler here requires a browser session, never a bearer token — minting
// or revoking a long-lived credential is deliberately something only an
// interactive login can do (spec's route table gates /api/ui/tokens* on
// role alone, with no token-scope path in).
type Tokens struct {
	manager  *apitoken.Manager
	sessions session.Store
	tokens   *token.Service
}

// NewTokens builds the Tokens handler group.
func NewTokens(manager *apitoken.Manager, sessions session.Store, tokens *token.Service) *Tokens {
	return &Tokens{manager: manager, sessions: sessions, tokens: tokens}
}

type createTokenRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

type tokenResponse struct {
	domain.ApiToken
	Secret string `json:"secret,omitempty"`
}

// Create answers POST /api/ui/tokens: it mints a new offline token at the
// requested scope (user when none is given) and returns its secret exactly
// once. The requested scope is not compared with the caller's role here; it
// is requested from the authorization server with the caller's own refresh
// token.
func (t *Tokens) Create(w http.ResponseWriter, r *http.Request) {
	sess, userID, err := currentSession(r.Context(), r, t.sessions, t.tokens)
	if err != nil {
		apperr.Respond(w, r, err)
		return
	}

	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.Name == "" {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "name is required", nil))
		return
	}

	scope := domain.ScopeUser
	if req.Scope != "" {
		parsed, ok := domain.ParseScope(req.Scope)
		if !ok {
			apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "unrecognized scope", nil))
			return
		}
		scope = parsed
	}

	tok, secret, err := t.manager.Create(r.Context(), sess, userID, req.Name, scope)
	if err != nil {
		apperr.Respond(w, r, apperr.Wrap(apperr.Upstream, err))
		return
	}

	respondJSON(w, http.StatusCreated, tokenResponse{ApiToken: tok, Secret: secret})
}

// List answers GET /api/ui/tokens.
func (t *Tokens) List(w http.ResponseWriter, r *http.Request) {
	_, userID, err := currentSession(r.Context(), r, t.sessions, t.tokens)
	if err != nil {
		apperr.Respond(w, r, err)
		return
	}

	tokens, err := t.manager.List(r.Context(), userID)
	if err != nil {
		apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}

type updateTokenRequest struct {
	Status domain.ApiTokenStatus `json:"status"`
}

// Update answers PUT /api/ui/tokens/{id}: a user revokes or reactivates
// their own token. Ownership failures are surfaced identically to
// not-found, per the Manager's own contract.
func (t *Tokens) Update(w http.ResponseWriter, r *http.Request) {
	_, userID, err := currentSession(r.Context(), r, t.sessions, t.tokens)
	if err != nil {
		apperr.Respond(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	var req updateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.Status != domain.ApiTokenActive && req.Status != domain.ApiTokenInactive {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "status must be active or inactive", nil))
		return
	}

	if err := t.manager.UpdateStatus(r.Context(), userID, id, req.Status); err != nil {
		if errors.Is(err, apitoken.ErrForbidden) || errors.Is(err, apitoken.ErrNotFound) {
			apperr.Respond(w, r, apperr.New(apperr.NotFound))
			return
		}
		apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
