// Package session implements the Session Store (C4): a cookie-backed record
// of a browser login (access/refresh/id tokens plus the user's email),
// looked up on every request carrying the session cookie and refreshed
// in-place when its access token nears expiry (spec.md §4.2).
package session

import (
	"context"
	"errors"

	"github.com/locallm/gateway/internal/domain"
)

// ErrNotFound is returned when a session id has no backing record, either
// because it never existed or because it expired and was swept.
var ErrNotFound = errors.New("session: not found")

// Store persists domain.Session records keyed by their opaque ID. Browser
// cookies carry only the ID; every other field lives server-side.
type Store interface {
	// Create stores a new session, assigning it a fresh opaque ID.
	Create(ctx context.Context, sess domain.Session) (domain.Session, error)
	// Get looks up a session by ID, returning ErrNotFound if absent or expired.
	Get(ctx context.Context, id string) (domain.Session, error)
	// Replace atomically overwrites an existing session's token fields,
	// used after a refresh_session token-endpoint round trip.
	Replace(ctx context.Context, sess domain.Session) error
	// Delete removes a session (logout).
	Delete(ctx context.Context, id string) error
	// Stop releases any background resources (cleanup goroutines, pool).
	Stop()
}
