// Package upstreampool holds the decrypted upstream credentials the gateway
// presents to the provider, rotated round-robin and hot-swappable via
// refresh.
package upstreampool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kestrelhq/anthrogate/internal/crypto"
	"github.com/kestrelhq/anthrogate/internal/store"
	"github.com/kestrelhq/anthrogate/internal/telemetry"
)

// ErrEmpty indicates no upstream credential could be loaded from either the
// store or the static fallback list.
var ErrEmpty = errors.New("upstreampool: no upstream credentials available")

// SecretLister is the slice of the store the pool reads on refresh.
type SecretLister interface {
	ListActiveUpstreamCredentials(ctx context.Context) ([]store.UpstreamCredential, error)
}

// Pool is a single-writer, many-reader rotation over decrypted upstream
// credentials. Refresh publishes a new immutable snapshot; NextKey reads one
// snapshot per call and advances an atomic counter, so readers holding a
// prior snapshot stay consistent.
type Pool struct {
	store    SecretLister
	keyring  *crypto.Keyring
	fallback []string
	logger   *slog.Logger

	keys    atomic.Pointer[[]string]
	counter atomic.Int64
}

// New creates a Pool. st may be nil when store-backed credentials are
// disabled; fallback is the statically configured credential list. Call
// Refresh before first use.
func New(st SecretLister, keyring *crypto.Keyring, fallback []string, logger *slog.Logger) *Pool {
	return &Pool{
		store:    st,
		keyring:  keyring,
		fallback: fallback,
		logger:   logger,
	}
}

// NextKey returns the next upstream credential in rotation. floorMod keeps
// the index valid even after the counter wraps into negative values.
func (p *Pool) NextKey() (string, error) {
	snapshot := p.keys.Load()
	if snapshot == nil || len(*snapshot) == 0 {
		return "", ErrEmpty
	}
	keys := *snapshot
	n := p.counter.Add(1) - 1
	return keys[floorMod(n, int64(len(keys)))], nil
}

// Size returns the number of credentials in the current snapshot.
func (p *Pool) Size() int {
	snapshot := p.keys.Load()
	if snapshot == nil {
		return 0
	}
	return len(*snapshot)
}

// Refresh re-reads active upstream credentials from the store, decrypts
// them, unions in the static fallback list (store entries first, duplicates
// dropped), and atomically swaps the snapshot. A single decryption failure
// logs and skips that entry. The rotation counter is not reset, so rotation
// continuity survives refreshes.
//
// Refresh fails only when the resulting set would be empty.
func (p *Pool) Refresh(ctx context.Context) error {
	var keys []string
	seen := make(map[string]struct{})

	add := func(k string) {
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	if p.store != nil {
		records, err := p.store.ListActiveUpstreamCredentials(ctx)
		if err != nil {
			// Store outage: fall back to the static list alone rather than
			// dropping the pool.
			p.logger.Error("upstream pool: listing store credentials failed", "error", err)
		}
		for _, rec := range records {
			plaintext, err := p.keyring.Decrypt(crypto.EncryptedRecord{
				IV:         rec.IV,
				Ciphertext: rec.Ciphertext,
				Tag:        rec.Tag,
				AAD:        rec.AAD,
				KeyVersion: rec.KeyVersion,
			})
			if err != nil {
				p.logger.Error("upstream pool: skipping undecryptable credential",
					"upstream_key_id", rec.UpstreamKeyID, "key_version", rec.KeyVersion, "error", err)
				continue
			}
			add(string(plaintext))
		}
	}

	for _, k := range p.fallback {
		add(k)
	}

	if len(keys) == 0 {
		return fmt.Errorf("refreshing upstream pool: %w", ErrEmpty)
	}

	p.keys.Store(&keys)
	telemetry.UpstreamPoolSize.Set(float64(len(keys)))
	p.logger.Info("upstream pool refreshed", "size", len(keys))
	return nil
}

// floorMod returns the mathematical modulus, always in [0, m) for m > 0,
// unlike Go's % which is negative for negative n.
func floorMod(n, m int64) int64 {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}
