package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCredential returns the named credential, or nil when none is stored.
func (r *Repository) GetCredential(ctx context.Context, name string) (*Credential, error) {
	const q = `
SELECT name, value, expires_at, updated_at
FROM credentials
WHERE name = $1;
`
	var c Credential
	err := r.pool.QueryRow(ctx, q, name).Scan(&c.Name, &c.Value, &c.ExpiresAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", name, err)
	}
	return &c, nil
}

// SaveCredential stores or replaces a credential.
func (r *Repository) SaveCredential(ctx context.Context, cred Credential) error {
	const q = `
INSERT INTO credentials (name, value, expires_at, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (name) DO UPDATE SET
    value = EXCLUDED.value,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, cred.Name, cred.Value, cred.ExpiresAt); err != nil {
		return fmt.Errorf("save credential %s: %w", cred.Name, err)
	}
	return nil
}
