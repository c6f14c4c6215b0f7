package app

import (
	"testing"
)

func TestParseStaticTenants(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
		wantErr bool
	}{
		{
			name:    "single entry",
			entries: []string{"demo-key,demo,user-1,basic"},
			want:    1,
		},
		{
			name:    "multiple entries with padding",
			entries: []string{"k1, acme , u1, pro", "k2,beta_1,u2,enterprise"},
			want:    2,
		},
		{
			name:    "empty list",
			entries: nil,
			want:    0,
		},
		{
			name:    "missing field",
			entries: []string{"k1,acme,u1"},
			wantErr: true,
		},
		{
			name:    "bad plan",
			entries: []string{"k1,acme,u1,platinum"},
			wantErr: true,
		},
		{
			name:    "malformed tenant id",
			entries: []string{"k1,a!,u1,basic"},
			wantErr: true,
		},
		{
			name:    "empty credential",
			entries: []string{",acme,u1,basic"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStaticTenants(tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("parsed %d entries, want %d", len(got), tt.want)
			}
		})
	}

	parsed, err := parseStaticTenants([]string{"demo-key,demo,user-1,basic"})
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	e := parsed[0]
	if e.Credential != "demo-key" || e.TenantID != "demo" || e.UserID != "user-1" || e.Plan != "basic" {
		t.Fatalf("entry = %+v", e)
	}
}
