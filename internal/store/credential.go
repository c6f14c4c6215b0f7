package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const apiKeyColumns = `key_id, tenant_id, user_id, key_prefix, key_hash, status, scopes, expires_at, created_at`

// ClientCredential is a row in the api_key table: a gateway-issued bearer
// credential stored only as its SHA-256 hash.
type ClientCredential struct {
	KeyID     uuid.UUID
	TenantID  string
	UserID    string
	KeyPrefix string
	KeyHash   string
	Status    string
	Scopes    []string
	ExpiresAt pgtype.Timestamptz
	CreatedAt time.Time
}

// Valid reports whether the credential admits requests at the given instant:
// active and not past its expiry.
func (c *ClientCredential) Valid(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if c.ExpiresAt.Valid && !c.ExpiresAt.Time.After(now) {
		return false
	}
	return true
}

func scanClientCredential(row pgx.Row) (ClientCredential, error) {
	var c ClientCredential
	err := row.Scan(
		&c.KeyID, &c.TenantID, &c.UserID, &c.KeyPrefix, &c.KeyHash,
		&c.Status, &c.Scopes, &c.ExpiresAt, &c.CreatedAt,
	)
	return c, err
}

func scanClientCredentials(rows pgx.Rows) ([]ClientCredential, error) {
	defer rows.Close()
	var items []ClientCredential
	for rows.Next() {
		var c ClientCredential
		if err := rows.Scan(
			&c.KeyID, &c.TenantID, &c.UserID, &c.KeyPrefix, &c.KeyHash,
			&c.Status, &c.Scopes, &c.ExpiresAt, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api key rows: %w", err)
	}
	return items, nil
}

// FindActiveCredentialByKeyHash returns the credential with the given hash
// when its status is active, or pgx.ErrNoRows. Expiry is not checked here;
// callers apply Valid so expired credentials are distinguishable from
// unknown ones.
func (s *Store) FindActiveCredentialByKeyHash(ctx context.Context, keyHash string) (ClientCredential, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_key WHERE key_hash = $1 AND status = $2`
	return scanClientCredential(s.pool.QueryRow(ctx, query, keyHash, StatusActive))
}

// FindCredential returns the credential with the given ID regardless of
// status, or pgx.ErrNoRows.
func (s *Store) FindCredential(ctx context.Context, keyID uuid.UUID) (ClientCredential, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_key WHERE key_id = $1`
	return scanClientCredential(s.pool.QueryRow(ctx, query, keyID))
}

// CredentialCursor identifies a keyset position in a tenant's credential
// listing.
type CredentialCursor struct {
	CreatedAt time.Time
	KeyID     uuid.UUID
}

// ListCredentials returns up to limit credentials for the given tenant,
// newest first, starting after the given cursor position (nil means from
// the top).
func (s *Store) ListCredentials(ctx context.Context, tenantID string, after *CredentialCursor, limit int) ([]ClientCredential, error) {
	var rows pgx.Rows
	var err error
	if after != nil {
		query := `SELECT ` + apiKeyColumns + ` FROM api_key
	WHERE tenant_id = $1 AND (created_at, key_id) < ($2, $3)
	ORDER BY created_at DESC, key_id DESC LIMIT $4`
		rows, err = s.pool.Query(ctx, query, tenantID, after.CreatedAt, after.KeyID, limit)
	} else {
		query := `SELECT ` + apiKeyColumns + ` FROM api_key
	WHERE tenant_id = $1 ORDER BY created_at DESC, key_id DESC LIMIT $2`
		rows, err = s.pool.Query(ctx, query, tenantID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return scanClientCredentials(rows)
}

// CreateCredentialParams holds parameters for issuing a client credential.
type CreateCredentialParams struct {
	TenantID  string
	UserID    string
	KeyPrefix string
	KeyHash   string
	Scopes    []string
	ExpiresAt pgtype.Timestamptz
}

// CreateCredential inserts a new active credential and returns the created
// row.
func (s *Store) CreateCredential(ctx context.Context, p CreateCredentialParams) (ClientCredential, error) {
	query := `INSERT INTO api_key (tenant_id, user_id, key_prefix, key_hash, status, scopes, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING ` + apiKeyColumns

	c, err := scanClientCredential(s.pool.QueryRow(ctx, query,
		p.TenantID, p.UserID, p.KeyPrefix, p.KeyHash, StatusActive, p.Scopes, p.ExpiresAt,
	))
	if err != nil {
		return ClientCredential{}, fmt.Errorf("creating api key: %w", err)
	}
	return c, nil
}

// RevokeCredential marks a credential revoked and returns the updated row
// (the caller needs the key hash for cache invalidation). Returns
// pgx.ErrNoRows if no such credential exists.
func (s *Store) RevokeCredential(ctx context.Context, keyID uuid.UUID) (ClientCredential, error) {
	query := `UPDATE api_key SET status = $2 WHERE key_id = $1 RETURNING ` + apiKeyColumns
	return scanClientCredential(s.pool.QueryRow(ctx, query, keyID, StatusRevoked))
}
