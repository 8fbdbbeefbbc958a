package apitoken

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/locallm/gateway/internal/domain"
)

// PostgresStore is the optional persistent Store, selected by the
// session_backend=postgres setting so API tokens survive a gateway restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-initialized pool (storage.InitDB).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Create(ctx context.Context, tok domain.ApiToken) (domain.ApiToken, error) {
	now := time.Now()
	tok.CreatedAt, tok.UpdatedAt = now, now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO api_tokens (id, name, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tok.ID, tok.Name, tok.UserID, tok.Status, tok.CreatedAt, tok.UpdatedAt)
	if err != nil {
		return domain.ApiToken{}, err
	}
	return tok, nil
}

func (p *PostgresStore) List(ctx context.Context, userID string) ([]domain.ApiToken, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, user_id, status, created_at, updated_at
		FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApiToken
	for rows.Next() {
		var tok domain.ApiToken
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.UserID, &tok.Status, &tok.CreatedAt, &tok.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (domain.ApiToken, error) {
	var tok domain.ApiToken
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, user_id, status, created_at, updated_at
		FROM api_tokens WHERE id = $1`, id)
	err := row.Scan(&tok.ID, &tok.Name, &tok.UserID, &tok.Status, &tok.CreatedAt, &tok.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ApiToken{}, ErrNotFound
	}
	if err != nil {
		return domain.ApiToken{}, err
	}
	return tok, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status domain.ApiTokenStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE api_tokens SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
