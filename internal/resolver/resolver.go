// Package resolver turns an Authorization header into a TenantContext: the
// tenant identity and effective quota policy a request runs under.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kestrelhq/anthrogate/internal/cache"
	"github.com/kestrelhq/anthrogate/internal/crypto"
	"github.com/kestrelhq/anthrogate/internal/store"
)

const bearerPrefix = "Bearer "

// Reason classifies a resolution failure. All reasons map to 401 at the
// handler boundary with one generic message, so none of them is observable
// to the client.
type Reason int

const (
	ReasonMissingHeader Reason = iota
	ReasonInvalidScheme
	ReasonMissingCredential
	ReasonUnknownCredential
	ReasonExpired
	ReasonRevoked
	ReasonTenantMissing
)

func (r Reason) String() string {
	switch r {
	case ReasonMissingHeader:
		return "missing_header"
	case ReasonInvalidScheme:
		return "invalid_scheme"
	case ReasonMissingCredential:
		return "missing_credential"
	case ReasonUnknownCredential:
		return "unknown_credential"
	case ReasonExpired:
		return "expired"
	case ReasonRevoked:
		return "revoked"
	case ReasonTenantMissing:
		return "tenant_missing"
	}
	return "unknown"
}

// Failure is a classified resolution error.
type Failure struct {
	Reason Reason
}

func (f *Failure) Error() string {
	return "resolving credential: " + f.Reason.String()
}

func fail(reason Reason) error {
	return &Failure{Reason: reason}
}

// TenantContext is the immutable per-request value carried through the
// pipeline. It never holds the plaintext bearer credential, only what
// downstream components consume.
type TenantContext struct {
	TenantID string
	UserID   string
	Plan     string
	Policy   store.QuotaPolicy
}

// CredentialSource resolves a raw bearer credential to a TenantContext.
// found=false means this source has no opinion and the next source is
// consulted; a non-nil error is a definitive classified failure.
type CredentialSource interface {
	Resolve(ctx context.Context, credential string) (tc TenantContext, found bool, err error)
}

// Resolver composes credential sources in order: the static fallback table
// first (when enabled), then the cache-fronted store.
type Resolver struct {
	sources []CredentialSource
}

// New creates a Resolver over the given sources, consulted in order.
func New(sources ...CredentialSource) *Resolver {
	return &Resolver{sources: sources}
}

// Resolve parses the Authorization header and consults each source in turn.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (TenantContext, error) {
	if authorization == "" {
		return TenantContext{}, fail(ReasonMissingHeader)
	}
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return TenantContext{}, fail(ReasonInvalidScheme)
	}

	// Surrounding whitespace is trimmed; internal bytes are never altered.
	credential := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if credential == "" {
		return TenantContext{}, fail(ReasonMissingCredential)
	}

	for _, src := range r.sources {
		tc, found, err := src.Resolve(ctx, credential)
		if err != nil {
			return TenantContext{}, err
		}
		if found {
			return tc, nil
		}
	}
	return TenantContext{}, fail(ReasonUnknownCredential)
}

// StaticTenant is one entry of the operator-configured fallback table.
type StaticTenant struct {
	Credential string
	TenantID   string
	UserID     string
	Plan       string
}

// StaticSource resolves credentials against the configured fallback table,
// bypassing cache and store entirely. TenantContexts are precomputed at
// construction with the default quota policy.
type StaticSource struct {
	byCredential map[string]TenantContext
}

// NewStaticSource builds a StaticSource from config entries. defaultRPM
// seeds each entry's quota policy.
func NewStaticSource(tenants []StaticTenant, defaultRPM int) *StaticSource {
	m := make(map[string]TenantContext, len(tenants))
	for _, t := range tenants {
		m[t.Credential] = TenantContext{
			TenantID: t.TenantID,
			UserID:   t.UserID,
			Plan:     t.Plan,
			Policy:   store.DefaultQuotaPolicy(t.TenantID, defaultRPM),
		}
	}
	return &StaticSource{byCredential: m}
}

func (s *StaticSource) Resolve(_ context.Context, credential string) (TenantContext, bool, error) {
	tc, ok := s.byCredential[credential]
	return tc, ok, nil
}

// credentialStore is the slice of the durable store the resolver reads.
type credentialStore interface {
	FindActiveCredentialByKeyHash(ctx context.Context, keyHash string) (store.ClientCredential, error)
	FindTenant(ctx context.Context, tenantID string) (store.Tenant, error)
	FindQuotaPolicy(ctx context.Context, tenantID string) (store.QuotaPolicy, error)
}

// credentialCache is the slice of the read-through cache the resolver uses.
type credentialCache interface {
	GetCredentialInfo(ctx context.Context, keyHash string) (cache.CredentialInfo, bool)
	PutCredentialInfo(ctx context.Context, keyHash string, info cache.CredentialInfo)
	GetQuotaPolicy(ctx context.Context, tenantID string) (store.QuotaPolicy, bool)
	PutQuotaPolicy(ctx context.Context, tenantID string, policy store.QuotaPolicy)
}

// StoreSource resolves credentials by hash against the cache-fronted durable
// store.
type StoreSource struct {
	store      credentialStore
	cache      credentialCache
	defaultRPM int
	now        func() time.Time
}

// NewStoreSource creates a StoreSource. defaultRPM is the quota policy
// fallback when a tenant has none stored.
func NewStoreSource(st credentialStore, c credentialCache, defaultRPM int) *StoreSource {
	return &StoreSource{store: st, cache: c, defaultRPM: defaultRPM, now: time.Now}
}

func (s *StoreSource) Resolve(ctx context.Context, credential string) (TenantContext, bool, error) {
	keyHash := crypto.Hash(credential)
	now := s.now()

	var tenantID, userID string

	if info, hit := s.cache.GetCredentialInfo(ctx, keyHash); hit && info.Valid(now) {
		tenantID, userID = info.TenantID, info.UserID
	} else {
		// A stale or invalid cached record is treated as a miss rather
		// than trusted.
		cred, err := s.store.FindActiveCredentialByKeyHash(ctx, keyHash)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return TenantContext{}, false, nil
			}
			return TenantContext{}, false, fmt.Errorf("looking up credential: %w", err)
		}
		if !cred.Valid(now) {
			if cred.Status == store.StatusRevoked {
				return TenantContext{}, false, fail(ReasonRevoked)
			}
			return TenantContext{}, false, fail(ReasonExpired)
		}

		// Write-through; a cache failure is non-fatal.
		s.cache.PutCredentialInfo(ctx, keyHash, credentialInfo(cred))
		tenantID, userID = cred.TenantID, cred.UserID
	}

	tenant, err := s.store.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantContext{}, false, fail(ReasonTenantMissing)
		}
		return TenantContext{}, false, fmt.Errorf("looking up tenant %s: %w", tenantID, err)
	}

	policy, err := s.resolvePolicy(ctx, tenantID)
	if err != nil {
		return TenantContext{}, false, err
	}

	return TenantContext{
		TenantID: tenantID,
		UserID:   userID,
		Plan:     tenant.Plan,
		Policy:   policy,
	}, true, nil
}

func (s *StoreSource) resolvePolicy(ctx context.Context, tenantID string) (store.QuotaPolicy, error) {
	if policy, hit := s.cache.GetQuotaPolicy(ctx, tenantID); hit {
		return policy, nil
	}

	policy, err := s.store.FindQuotaPolicy(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.DefaultQuotaPolicy(tenantID, s.defaultRPM), nil
		}
		return store.QuotaPolicy{}, fmt.Errorf("looking up quota policy for %s: %w", tenantID, err)
	}

	s.cache.PutQuotaPolicy(ctx, tenantID, policy)
	return policy, nil
}

func credentialInfo(c store.ClientCredential) cache.CredentialInfo {
	info := cache.CredentialInfo{
		KeyID:    c.KeyID.String(),
		TenantID: c.TenantID,
		UserID:   c.UserID,
		Status:   c.Status,
	}
	if c.ExpiresAt.Valid {
		t := c.ExpiresAt.Time
		info.ExpiresAt = &t
	}
	return info
}
