package store

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

const quotaPolicyColumns = `tenant_id, rpm_limit, tpm_limit, monthly_token_cap, burst_multiplier`

// QuotaPolicy is a per-tenant admission policy. TPMLimit and MonthlyTokenCap
// are nullable: nil means unlimited. The JSON tags define the cache wire
// format.
type QuotaPolicy struct {
	TenantID        string  `json:"tenant_id"`
	RPMLimit        int     `json:"rpm_limit"`
	TPMLimit        *int64  `json:"tpm_limit"`
	MonthlyTokenCap *int64  `json:"monthly_token_cap"`
	BurstMultiplier float64 `json:"burst_multiplier"`
}

// BurstCapacity derives the maximum instantaneous token budget,
// ceil(rpm * burstMultiplier), floored at 1.
func (p QuotaPolicy) BurstCapacity() int {
	b := int(math.Ceil(float64(p.RPMLimit) * p.BurstMultiplier))
	if b < 1 {
		b = 1
	}
	return b
}

// DefaultQuotaPolicy is the policy applied when a tenant has none stored.
func DefaultQuotaPolicy(tenantID string, defaultRPM int) QuotaPolicy {
	if defaultRPM < 1 {
		defaultRPM = 1
	}
	return QuotaPolicy{
		TenantID:        tenantID,
		RPMLimit:        defaultRPM,
		BurstMultiplier: 1.5,
	}
}

func scanQuotaPolicy(row pgx.Row) (QuotaPolicy, error) {
	var p QuotaPolicy
	err := row.Scan(&p.TenantID, &p.RPMLimit, &p.TPMLimit, &p.MonthlyTokenCap, &p.BurstMultiplier)
	return p, err
}

// FindQuotaPolicy returns the quota policy for the given tenant, or
// pgx.ErrNoRows.
func (s *Store) FindQuotaPolicy(ctx context.Context, tenantID string) (QuotaPolicy, error) {
	query := `SELECT ` + quotaPolicyColumns + ` FROM quota_policy WHERE tenant_id = $1`
	return scanQuotaPolicy(s.pool.QueryRow(ctx, query, tenantID))
}

// UpsertQuotaPolicy creates or replaces the tenant's quota policy and
// returns the stored row.
func (s *Store) UpsertQuotaPolicy(ctx context.Context, p QuotaPolicy) (QuotaPolicy, error) {
	query := `INSERT INTO quota_policy (tenant_id, rpm_limit, tpm_limit, monthly_token_cap, burst_multiplier)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (tenant_id) DO UPDATE SET
		rpm_limit = EXCLUDED.rpm_limit,
		tpm_limit = EXCLUDED.tpm_limit,
		monthly_token_cap = EXCLUDED.monthly_token_cap,
		burst_multiplier = EXCLUDED.burst_multiplier,
		updated_at = now()
	RETURNING ` + quotaPolicyColumns

	stored, err := scanQuotaPolicy(s.pool.QueryRow(ctx, query,
		p.TenantID, p.RPMLimit, p.TPMLimit, p.MonthlyTokenCap, p.BurstMultiplier,
	))
	if err != nil {
		return QuotaPolicy{}, fmt.Errorf("upserting quota policy: %w", err)
	}
	return stored, nil
}
