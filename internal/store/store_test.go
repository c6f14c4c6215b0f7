package store

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestIsValidTenantID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"demo", true},
		{"abc", true},
		{"a-b_c9", true},
		{"ab", false},
		{"", false},
		{"has space", false},
		{"has/slash", false},
		{string(make([]byte, 65)), false},
	}
	for _, tt := range tests {
		if got := IsValidTenantID(tt.id); got != tt.valid {
			t.Errorf("IsValidTenantID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}

func TestIsValidPlan(t *testing.T) {
	for _, plan := range []string{PlanBasic, PlanPro, PlanEnterprise} {
		if !IsValidPlan(plan) {
			t.Errorf("IsValidPlan(%q) = false", plan)
		}
	}
	for _, plan := range []string{"", "free", "Basic"} {
		if IsValidPlan(plan) {
			t.Errorf("IsValidPlan(%q) = true", plan)
		}
	}
}

func TestQuotaPolicyBurstCapacity(t *testing.T) {
	tests := []struct {
		rpm  int
		mult float64
		want int
	}{
		{60, 1.5, 90},
		{2, 1.0, 2},
		{1, 1.0, 1},
		{10, 1.25, 13}, // ceil(12.5)
		{0, 1.0, 1},    // floored
	}
	for _, tt := range tests {
		p := QuotaPolicy{RPMLimit: tt.rpm, BurstMultiplier: tt.mult}
		if got := p.BurstCapacity(); got != tt.want {
			t.Errorf("BurstCapacity(rpm=%d, mult=%v) = %d, want %d", tt.rpm, tt.mult, got, tt.want)
		}
	}
}

func TestDefaultQuotaPolicy(t *testing.T) {
	p := DefaultQuotaPolicy("demo", 60)
	if p.TenantID != "demo" || p.RPMLimit != 60 || p.BurstMultiplier != 1.5 {
		t.Fatalf("policy = %+v", p)
	}
	if p.TPMLimit != nil || p.MonthlyTokenCap != nil {
		t.Fatal("default policy should leave optional limits unset")
	}

	// Degenerate default floors at 1 rpm.
	if got := DefaultQuotaPolicy("demo", 0).RPMLimit; got != 1 {
		t.Fatalf("floored rpm = %d, want 1", got)
	}
}

func TestClientCredentialValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		cred  ClientCredential
		valid bool
	}{
		{"active no expiry", ClientCredential{Status: StatusActive}, true},
		{
			"active future expiry",
			ClientCredential{Status: StatusActive, ExpiresAt: pgtype.Timestamptz{Time: now.Add(time.Hour), Valid: true}},
			true,
		},
		{
			"active past expiry",
			ClientCredential{Status: StatusActive, ExpiresAt: pgtype.Timestamptz{Time: now.Add(-time.Second), Valid: true}},
			false,
		},
		{"revoked", ClientCredential{Status: StatusRevoked}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(now); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
		})
	}
}
