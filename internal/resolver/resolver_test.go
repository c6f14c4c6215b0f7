package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kestrelhq/anthrogate/internal/cache"
	"github.com/kestrelhq/anthrogate/internal/crypto"
	"github.com/kestrelhq/anthrogate/internal/store"
)

// fakeStore is an in-memory credentialStore.
type fakeStore struct {
	credentials map[string]store.ClientCredential // by key hash
	tenants     map[string]store.Tenant
	policies    map[string]store.QuotaPolicy

	credentialLookups int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		credentials: make(map[string]store.ClientCredential),
		tenants:     make(map[string]store.Tenant),
		policies:    make(map[string]store.QuotaPolicy),
	}
}

func (f *fakeStore) FindActiveCredentialByKeyHash(_ context.Context, keyHash string) (store.ClientCredential, error) {
	f.credentialLookups++
	c, ok := f.credentials[keyHash]
	if !ok || c.Status != store.StatusActive {
		return store.ClientCredential{}, pgx.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) FindTenant(_ context.Context, tenantID string) (store.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return store.Tenant{}, pgx.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) FindQuotaPolicy(_ context.Context, tenantID string) (store.QuotaPolicy, error) {
	p, ok := f.policies[tenantID]
	if !ok {
		return store.QuotaPolicy{}, pgx.ErrNoRows
	}
	return p, nil
}

// fakeCache is an in-memory credentialCache.
type fakeCache struct {
	credentials map[string]cache.CredentialInfo
	policies    map[string]store.QuotaPolicy
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		credentials: make(map[string]cache.CredentialInfo),
		policies:    make(map[string]store.QuotaPolicy),
	}
}

func (f *fakeCache) GetCredentialInfo(_ context.Context, keyHash string) (cache.CredentialInfo, bool) {
	info, ok := f.credentials[keyHash]
	return info, ok
}

func (f *fakeCache) PutCredentialInfo(_ context.Context, keyHash string, info cache.CredentialInfo) {
	f.credentials[keyHash] = info
}

func (f *fakeCache) GetQuotaPolicy(_ context.Context, tenantID string) (store.QuotaPolicy, bool) {
	p, ok := f.policies[tenantID]
	return p, ok
}

func (f *fakeCache) PutQuotaPolicy(_ context.Context, tenantID string, policy store.QuotaPolicy) {
	f.policies[tenantID] = policy
}

func seedTenant(fs *fakeStore, tenantID, plan string) {
	fs.tenants[tenantID] = store.Tenant{TenantID: tenantID, Plan: plan, Status: store.StatusActive}
}

func seedCredential(fs *fakeStore, raw, tenantID, userID string) string {
	h := crypto.Hash(raw)
	fs.credentials[h] = store.ClientCredential{
		KeyID:    uuid.New(),
		TenantID: tenantID,
		UserID:   userID,
		KeyHash:  h,
		Status:   store.StatusActive,
	}
	return h
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("error %v is not a *Failure", err)
	}
	return f.Reason
}

func TestResolveHeaderParsing(t *testing.T) {
	r := New(NewStaticSource([]StaticTenant{
		{Credential: "demo-key", TenantID: "demo", UserID: "u1", Plan: store.PlanBasic},
	}, 60))

	tests := []struct {
		name   string
		header string
		reason Reason
	}{
		{"empty header", "", ReasonMissingHeader},
		{"wrong scheme", "Basic abc", ReasonInvalidScheme},
		{"lowercase bearer", "bearer demo-key", ReasonInvalidScheme},
		{"bare bearer", "Bearer", ReasonInvalidScheme},
		{"empty credential", "Bearer   ", ReasonMissingCredential},
		{"unknown credential", "Bearer nope", ReasonUnknownCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.header)
			if got := reasonOf(t, err); got != tt.reason {
				t.Errorf("reason = %v, want %v", got, tt.reason)
			}
		})
	}
}

func TestResolveTrimsSurroundingWhitespace(t *testing.T) {
	r := New(NewStaticSource([]StaticTenant{
		{Credential: "demo-key", TenantID: "demo", Plan: store.PlanBasic},
	}, 60))

	tc, err := r.Resolve(context.Background(), "Bearer  demo-key ")
	if err != nil {
		t.Fatalf("resolve with padded credential: %v", err)
	}
	if tc.TenantID != "demo" {
		t.Fatalf("tenant = %q", tc.TenantID)
	}
}

func TestStaticSourceBypassesStore(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	r := New(
		NewStaticSource([]StaticTenant{
			{Credential: "demo-key", TenantID: "demo", UserID: "u1", Plan: store.PlanBasic},
		}, 42),
		NewStoreSource(fs, fc, 42),
	)

	tc, err := r.Resolve(context.Background(), "Bearer demo-key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tc.TenantID != "demo" || tc.UserID != "u1" || tc.Plan != store.PlanBasic {
		t.Fatalf("context = %+v", tc)
	}
	if tc.Policy.RPMLimit != 42 {
		t.Fatalf("policy rpm = %d, want default 42", tc.Policy.RPMLimit)
	}
	if fs.credentialLookups != 0 {
		t.Fatalf("static resolution hit the store %d times", fs.credentialLookups)
	}
}

func TestStoreSourceMissPopulatesCache(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	seedTenant(fs, "acme", store.PlanPro)
	h := seedCredential(fs, "aic_raw", "acme", "user-9")
	fs.policies["acme"] = store.QuotaPolicy{TenantID: "acme", RPMLimit: 120, BurstMultiplier: 2.0}

	r := New(NewStoreSource(fs, fc, 60))

	tc, err := r.Resolve(context.Background(), "Bearer aic_raw")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tc.TenantID != "acme" || tc.UserID != "user-9" || tc.Plan != store.PlanPro {
		t.Fatalf("context = %+v", tc)
	}
	if tc.Policy.RPMLimit != 120 {
		t.Fatalf("policy rpm = %d", tc.Policy.RPMLimit)
	}

	// Write-through happened for both the credential and the policy.
	if _, ok := fc.credentials[h]; !ok {
		t.Fatal("credential not written through to cache")
	}
	if _, ok := fc.policies["acme"]; !ok {
		t.Fatal("policy not written through to cache")
	}

	// Second resolution is served from cache.
	before := fs.credentialLookups
	if _, err := r.Resolve(context.Background(), "Bearer aic_raw"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if fs.credentialLookups != before {
		t.Fatal("cached resolution still hit the store")
	}
}

func TestStoreSourceIgnoresStaleCacheEntry(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	seedTenant(fs, "acme", store.PlanBasic)
	h := seedCredential(fs, "aic_raw", "acme", "u")

	// Cache holds a revoked copy; the resolver must fall through to the
	// store rather than trust it.
	fc.credentials[h] = cache.CredentialInfo{TenantID: "acme", Status: store.StatusRevoked}

	r := New(NewStoreSource(fs, fc, 60))
	tc, err := r.Resolve(context.Background(), "Bearer aic_raw")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tc.TenantID != "acme" {
		t.Fatalf("tenant = %q", tc.TenantID)
	}
	if fs.credentialLookups != 1 {
		t.Fatalf("store lookups = %d, want 1", fs.credentialLookups)
	}
}

func TestStoreSourceExpiredCredential(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	seedTenant(fs, "acme", store.PlanBasic)
	h := seedCredential(fs, "aic_raw", "acme", "u")

	expired := fs.credentials[h]
	expired.ExpiresAt = pgtype.Timestamptz{Time: time.Now().Add(-time.Hour), Valid: true}
	fs.credentials[h] = expired

	r := New(NewStoreSource(fs, fc, 60))
	_, err := r.Resolve(context.Background(), "Bearer aic_raw")
	if got := reasonOf(t, err); got != ReasonExpired {
		t.Fatalf("reason = %v, want ReasonExpired", got)
	}
}

func TestStoreSourceTenantMissing(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	seedCredential(fs, "aic_raw", "ghost", "u")

	r := New(NewStoreSource(fs, fc, 60))
	_, err := r.Resolve(context.Background(), "Bearer aic_raw")
	if got := reasonOf(t, err); got != ReasonTenantMissing {
		t.Fatalf("reason = %v, want ReasonTenantMissing", got)
	}
}

func TestStoreSourceDefaultPolicy(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	seedTenant(fs, "acme", store.PlanBasic)
	seedCredential(fs, "aic_raw", "acme", "u")

	r := New(NewStoreSource(fs, fc, 75))
	tc, err := r.Resolve(context.Background(), "Bearer aic_raw")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tc.Policy.RPMLimit != 75 {
		t.Fatalf("rpm = %d, want default 75", tc.Policy.RPMLimit)
	}
	if tc.Policy.BurstMultiplier != 1.5 {
		t.Fatalf("burst multiplier = %v, want default 1.5", tc.Policy.BurstMultiplier)
	}
}

func TestContextNeverCarriesPlaintext(t *testing.T) {
	r := New(NewStaticSource([]StaticTenant{
		{Credential: "super-secret", TenantID: "demo", Plan: store.PlanBasic},
	}, 60))

	tc, err := r.Resolve(context.Background(), "Bearer super-secret")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for name, v := range map[string]string{
		"TenantID": tc.TenantID, "UserID": tc.UserID, "Plan": tc.Plan,
	} {
		if v == "super-secret" {
			t.Fatalf("field %s carries the plaintext credential", name)
		}
	}
}
