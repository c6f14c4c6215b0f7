// Package admin is the operator control plane: tenant and credential CRUD,
// quota updates, and upstream pool management. Each mutation emits an audit
// record and issues the matching cache invalidation or pool refresh.
package admin

import (
	"time"

	"github.com/kestrelhq/anthrogate/internal/store"
)

// CreateTenantRequest is the JSON body for POST /tenants.
type CreateTenantRequest struct {
	TenantID string `json:"tenant_id" validate:"required,min=3,max=64"`
	Name     string `json:"name"`
	Plan     string `json:"plan" validate:"required,oneof=basic pro enterprise"`
}

// TenantResponse is the JSON shape of a tenant.
type TenantResponse struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func tenantResponse(t store.Tenant) TenantResponse {
	return TenantResponse{
		TenantID:  t.TenantID,
		Name:      t.Name,
		Plan:      t.Plan,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// CreateCredentialRequest is the JSON body for issuing a client credential.
type CreateCredentialRequest struct {
	UserID    string     `json:"user_id"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CredentialResponse is the JSON shape of a credential without the
// plaintext.
type CredentialResponse struct {
	KeyID     string     `json:"key_id"`
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	KeyPrefix string     `json:"key_prefix"`
	Status    string     `json:"status"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateCredentialResponse includes the plaintext credential, shown exactly
// once at issuance.
type CreateCredentialResponse struct {
	CredentialResponse
	Credential string `json:"credential"`
}

func credentialResponse(c store.ClientCredential) CredentialResponse {
	resp := CredentialResponse{
		KeyID:     c.KeyID.String(),
		TenantID:  c.TenantID,
		UserID:    c.UserID,
		KeyPrefix: c.KeyPrefix,
		Status:    c.Status,
		Scopes:    ensureSlice(c.Scopes),
		CreatedAt: c.CreatedAt,
	}
	if c.ExpiresAt.Valid {
		t := c.ExpiresAt.Time
		resp.ExpiresAt = &t
	}
	return resp
}

// UpdateQuotaRequest is the JSON body for PUT /tenants/{id}/quota.
type UpdateQuotaRequest struct {
	RPMLimit        int     `json:"rpm_limit" validate:"required,min=1"`
	TPMLimit        *int64  `json:"tpm_limit" validate:"omitempty,min=1"`
	MonthlyTokenCap *int64  `json:"monthly_token_cap" validate:"omitempty,min=0"`
	BurstMultiplier float64 `json:"burst_multiplier" validate:"required,gte=1.0,lte=10.0"`
}

// QuotaResponse is the JSON shape of a quota policy.
type QuotaResponse struct {
	TenantID        string  `json:"tenant_id"`
	RPMLimit        int     `json:"rpm_limit"`
	TPMLimit        *int64  `json:"tpm_limit"`
	MonthlyTokenCap *int64  `json:"monthly_token_cap"`
	BurstMultiplier float64 `json:"burst_multiplier"`
	BurstCapacity   int     `json:"burst_capacity"`
}

func quotaResponse(p store.QuotaPolicy) QuotaResponse {
	return QuotaResponse{
		TenantID:        p.TenantID,
		RPMLimit:        p.RPMLimit,
		TPMLimit:        p.TPMLimit,
		MonthlyTokenCap: p.MonthlyTokenCap,
		BurstMultiplier: p.BurstMultiplier,
		BurstCapacity:   p.BurstCapacity(),
	}
}

// CreateUpstreamKeyRequest is the JSON body for registering an upstream
// credential. The key is encrypted at rest under the current master key.
type CreateUpstreamKeyRequest struct {
	APIKey   string `json:"api_key" validate:"required"`
	Provider string `json:"provider"`
}

// UpstreamStatusResponse reports the state of the upstream pool.
type UpstreamStatusResponse struct {
	PoolSize int `json:"pool_size"`
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
