package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

var ErrClientNotFound = errors.New("api client not found")

// ApiClient is a machine principal calling the validation API. Secret
// material is stored as an argon2id hash, never plaintext.
type ApiClient struct {
	ID         string
	SecretHash string
	Scopes     []string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (c *ApiClient) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type ClientModel struct {
	DB DBTX
}

func (m ClientModel) GetByID(ctx context.Context, id string) (*ApiClient, error) {
	query := `
		SELECT id, secret_hash, scopes, enabled, created_at, updated_at
		FROM api_clients
		WHERE id = $1`
	var c ApiClient
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.SecretHash, pq.Array(&c.Scopes), &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m ClientModel) Create(ctx context.Context, c *ApiClient) error {
	query := `
		INSERT INTO api_clients (id, secret_hash, scopes, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`
	err := m.DB.QueryRowContext(ctx, query, c.ID, c.SecretHash, pq.Array(c.Scopes), c.Enabled).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// SetScopes replaces the grant set. Administrative only; the core never
// mutates clients.
func (m ClientModel) SetScopes(ctx context.Context, id string, scopes []string) error {
	query := `
		UPDATE api_clients SET scopes = $1, updated_at = NOW()
		WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, pq.Array(scopes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (m ClientModel) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `
		UPDATE api_clients SET enabled = $1, updated_at = NOW()
		WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}
