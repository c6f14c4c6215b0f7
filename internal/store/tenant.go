package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
)

const tenantColumns = `tenant_id, name, plan, status, created_at, updated_at`

// tenantIDPattern constrains tenant identifiers: 3-64 chars of
// [A-Za-z0-9_-].
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// IsValidTenantID reports whether id is a well-formed tenant identifier.
func IsValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Tenant is a row in the tenant table: the billing and quota unit client
// credentials belong to.
type Tenant struct {
	TenantID  string
	Name      string
	Plan      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.TenantID, &t.Name, &t.Plan, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// FindTenant returns the tenant with the given ID, or pgx.ErrNoRows.
func (s *Store) FindTenant(ctx context.Context, tenantID string) (Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenant WHERE tenant_id = $1`
	return scanTenant(s.pool.QueryRow(ctx, query, tenantID))
}

// CreateTenantParams holds parameters for creating a tenant.
type CreateTenantParams struct {
	TenantID string
	Name     string
	Plan     string
}

// CreateTenant inserts a new active tenant and returns the created row.
func (s *Store) CreateTenant(ctx context.Context, p CreateTenantParams) (Tenant, error) {
	query := `INSERT INTO tenant (tenant_id, name, plan, status)
	VALUES ($1, $2, $3, $4)
	RETURNING ` + tenantColumns

	t, err := scanTenant(s.pool.QueryRow(ctx, query, p.TenantID, p.Name, p.Plan, StatusActive))
	if err != nil {
		return Tenant{}, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}
