package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const upstreamKeyColumns = `upstream_key_id, provider, status, key_version, iv, ciphertext, tag, aad, created_at`

// UpstreamCredential is a row in the upstream_key_secret table: a
// third-party API key encrypted at rest under a versioned master key.
type UpstreamCredential struct {
	UpstreamKeyID uuid.UUID
	Provider      string
	Status        string
	KeyVersion    int
	IV            []byte
	Ciphertext    []byte
	Tag           []byte
	AAD           []byte
	CreatedAt     time.Time
}

func scanUpstreamCredential(row pgx.Row) (UpstreamCredential, error) {
	var u UpstreamCredential
	err := row.Scan(
		&u.UpstreamKeyID, &u.Provider, &u.Status, &u.KeyVersion,
		&u.IV, &u.Ciphertext, &u.Tag, &u.AAD, &u.CreatedAt,
	)
	return u, err
}

// ListActiveUpstreamCredentials returns all active upstream credentials,
// oldest first, so pool rotation order is stable across refreshes.
func (s *Store) ListActiveUpstreamCredentials(ctx context.Context) ([]UpstreamCredential, error) {
	query := `SELECT ` + upstreamKeyColumns + ` FROM upstream_key_secret WHERE status = $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing upstream credentials: %w", err)
	}
	defer rows.Close()

	var items []UpstreamCredential
	for rows.Next() {
		var u UpstreamCredential
		if err := rows.Scan(
			&u.UpstreamKeyID, &u.Provider, &u.Status, &u.KeyVersion,
			&u.IV, &u.Ciphertext, &u.Tag, &u.AAD, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning upstream credential row: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upstream credential rows: %w", err)
	}
	return items, nil
}

// CreateUpstreamCredentialParams holds the sealed key material for a new
// upstream credential.
type CreateUpstreamCredentialParams struct {
	Provider   string
	KeyVersion int
	IV         []byte
	Ciphertext []byte
	Tag        []byte
	AAD        []byte
}

// CreateUpstreamCredential inserts a new active upstream credential.
func (s *Store) CreateUpstreamCredential(ctx context.Context, p CreateUpstreamCredentialParams) (UpstreamCredential, error) {
	query := `INSERT INTO upstream_key_secret (provider, status, key_version, iv, ciphertext, tag, aad)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING ` + upstreamKeyColumns

	u, err := scanUpstreamCredential(s.pool.QueryRow(ctx, query,
		p.Provider, StatusActive, p.KeyVersion, p.IV, p.Ciphertext, p.Tag, p.AAD,
	))
	if err != nil {
		return UpstreamCredential{}, fmt.Errorf("creating upstream credential: %w", err)
	}
	return u, nil
}
