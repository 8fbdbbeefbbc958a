package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/locallm/gateway/internal/domain"
)

// PostgresStore is the optional persistent Session Store, selected by the
// session_backend=postgres setting so sessions survive a gateway restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-initialized pool (storage.InitDB).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, sess domain.Session) (domain.Session, error) {
	sess.ID = uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, access_token, refresh_token, id_token, access_expires_at, user_email)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.AccessToken, sess.RefreshToken, sess.IDToken, sess.AccessExpiresAt, sess.UserEmail)
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Session, error) {
	var sess domain.Session
	row := s.pool.QueryRow(ctx, `
		SELECT id, access_token, refresh_token, id_token, access_expires_at, user_email
		FROM sessions WHERE id = $1`, id)
	err := row.Scan(&sess.ID, &sess.AccessToken, &sess.RefreshToken, &sess.IDToken, &sess.AccessExpiresAt, &sess.UserEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// Replace atomically overwrites the token fields for sess.ID in a single
// UPDATE statement, so a concurrent Get always observes either the old or
// the new token set, never a partial mix.
func (s *PostgresStore) Replace(ctx context.Context, sess domain.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET access_token = $2, refresh_token = $3, id_token = $4, access_expires_at = $5, updated_at = NOW()
		WHERE id = $1`,
		sess.ID, sess.AccessToken, sess.RefreshToken, sess.IDToken, sess.AccessExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// Stop does not close the shared pool — storage.CloseDB owns its lifecycle.
func (s *PostgresStore) Stop() {}

// Sweep removes sessions whose access token has been expired longer than
// ttl. Unlike MemoryStore, this store runs no sweep goroutine, and the
// gateway process does not call Sweep: expired rows stay in the table until
// some caller runs it.
func (s *PostgresStore) Sweep(ctx context.Context, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE access_expires_at < $1`, time.Now().Add(-ttl))
	return err
}
