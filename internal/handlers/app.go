package handlers

import (
	"net/http"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/ratelimit"
	"github.com/locallm/gateway/internal/secrets"
)

// App groups the handlers backing the bootstrap surface: GET /app/info and
// POST /app/setup. It reads and writes the Secret Store (C1) directly
// rather than through the Token Service.
type App struct {
	secrets *secrets.Store
	setupRL ratelimit.Limiter
}

// NewApp builds the App handler group. setupRL bounds how often a caller
// may attempt POST /app/setup, independent of any session or bearer
// identity since none exists yet at that point in the bootstrap sequence.
func NewApp(store *secrets.Store, setupRL ratelimit.Limiter) *App {
	return &App{secrets: store, setupRL: setupRL}
}

// appInfoResponse is the public, unauthenticated snapshot of the gateway's
// bootstrap position a frontend needs before it knows whether to show a
// setup wizard, a login button, or the app itself.
type appInfoResponse struct {
	Status   domain.AppStatus `json:"status"`
	Issuer   string           `json:"issuer,omitempty"`
	AuthMode string           `json:"auth_mode"`
	Version  string           `json:"version"`
}

// Info answers GET /app/info.
func (a *App) Info(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, appInfoResponse{
		Status:   a.secrets.Status(),
		Issuer:   config.Issuer(),
		AuthMode: config.AuthMode(),
		Version:  config.Version,
	})
}

// setupRequest is the OAuth client registration an operator pastes in from
// their identity provider's admin console. The gateway never performs
// dynamic client registration itself (spec's Non-goals exclude it) — the
// client must already exist upstream.
type setupRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Setup answers POST /app/setup: it records the app-wide OAuth client
// registration and advances AppStatus from setup to resource_admin. It is
// rate-limited per client IP since it runs before any identity exists to
// rate-limit by.
func (a *App) Setup(w http.ResponseWriter, r *http.Request) {
	key := ratelimit.ExtractIP(r)
	allowed, remaining, resetAt, err := a.setupRL.Check(key)
	if err != nil {
		apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
		return
	}
	if !allowed {
		ratelimit.RespondRateLimited(w, ratelimit.RateLimitInfo{
			Limit:     a.setupRL.GetConfig().MaxRequests,
			Remaining: remaining,
			ResetAt:   resetAt,
			Allowed:   false,
		}, "too many setup attempts, try again later")
		return
	}

	if a.secrets.Status() != domain.AppStatusSetup {
		apperr.Respond(w, r, apperr.WithMessage(apperr.Conflict, "setup has already been completed", nil))
		return
	}

	var req setupRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "client_id and client_secret are required", nil))
		return
	}

	reg := domain.AppRegInfo{ClientID: req.ClientID, ClientSecret: req.ClientSecret}
	if err := a.secrets.CompleteSetup(reg); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.Conflict, "setup has already been completed", err))
		return
	}

	a.setupRL.Clear(key)
	respondJSON(w, http.StatusOK, appInfoResponse{
		Status:   a.secrets.Status(),
		Issuer:   config.Issuer(),
		AuthMode: config.AuthMode(),
		Version:  config.Version,
	})
}
