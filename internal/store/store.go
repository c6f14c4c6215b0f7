// Package store is the durable record of tenants, hashed client credentials,
// quota policies, and encrypted upstream credentials, backed by Postgres.
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Statuses shared by tenants, client credentials, and upstream credentials.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusRevoked  = "revoked"
)

// Tenant plans.
const (
	PlanBasic      = "basic"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// IsValidPlan reports whether plan is one of the known tenant plans.
func IsValidPlan(plan string) bool {
	switch plan {
	case PlanBasic, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Store provides database operations over the gateway's five tables using
// the shared connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
