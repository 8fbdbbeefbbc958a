// Package apitoken implements the API Token Manager (C10): issuing,
// listing, and revoking the offline refresh tokens users mint for
// programmatic access. The secret itself is never persisted — only the
// ApiToken metadata record survives past the response that returns it.
package apitoken

import (
	"context"
	"errors"

	"github.com/locallm/gateway/internal/domain"
)

// ErrNotFound is returned when a token id has no record. A token owned by a
// different user than the caller yields ErrForbidden from the Manager.
var ErrNotFound = errors.New("apitoken: not found")

// Store persists ApiToken metadata. Implementations never see the secret.
type Store interface {
	Create(ctx context.Context, tok domain.ApiToken) (domain.ApiToken, error)
	List(ctx context.Context, userID string) ([]domain.ApiToken, error)
	Get(ctx context.Context, id string) (domain.ApiToken, error)
	UpdateStatus(ctx context.Context, id string, status domain.ApiTokenStatus) error
}
