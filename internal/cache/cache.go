// Package cache is a read-through Redis cache in front of the credential
// store. A cache failure never fails a request: get errors read as misses,
// put errors are logged and swallowed, and delete errors are logged and
// returned so the caller can note that the entry lives on until its TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/anthrogate/internal/store"
	"github.com/kestrelhq/anthrogate/internal/telemetry"
)

// opTimeout bounds every cache round trip. Kept well under the shortest
// entry TTL so a slow cache degrades to store reads instead of stalling
// requests.
const opTimeout = 500 * time.Millisecond

// CredentialInfo is the cached projection of a client credential: just the
// fields the resolver needs to admit or reject a request.
type CredentialInfo struct {
	KeyID     string     `json:"key_id"`
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the cached record still admits requests at the
// given instant. A stale cached record must not be trusted past its expiry.
func (c *CredentialInfo) Valid(now time.Time) bool {
	if c.Status != store.StatusActive {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Cache wraps the external Redis cache with namespaced keys and per-kind
// TTLs.
type Cache struct {
	rdb       *redis.Client
	logger    *slog.Logger
	prefix    string
	apiKeyTTL time.Duration
	quotaTTL  time.Duration
}

// New creates a Cache. prefix namespaces every key; apiKeyTTL and quotaTTL
// bound the lifetime of credential and policy entries respectively.
func New(rdb *redis.Client, logger *slog.Logger, prefix string, apiKeyTTL, quotaTTL time.Duration) *Cache {
	return &Cache{
		rdb:       rdb,
		logger:    logger,
		prefix:    prefix,
		apiKeyTTL: apiKeyTTL,
		quotaTTL:  quotaTTL,
	}
}

func (c *Cache) credentialKey(keyHash string) string {
	return c.prefix + "apikey:" + keyHash
}

func (c *Cache) quotaKey(tenantID string) string {
	return c.prefix + "quota:" + tenantID
}

// GetCredentialInfo returns the cached credential record for the given key
// hash. Any error, including a missing key, reads as a miss.
func (c *Cache) GetCredentialInfo(ctx context.Context, keyHash string) (CredentialInfo, bool) {
	var info CredentialInfo
	if !c.get(ctx, c.credentialKey(keyHash), &info) {
		return CredentialInfo{}, false
	}
	return info, true
}

// PutCredentialInfo writes a credential record through to the cache.
// Failures are logged and swallowed; the caller proceeds without caching.
func (c *Cache) PutCredentialInfo(ctx context.Context, keyHash string, info CredentialInfo) {
	c.put(ctx, c.credentialKey(keyHash), info, c.apiKeyTTL)
}

// DeleteCredentialInfo evicts the cached credential record, issued on
// credential revocation.
func (c *Cache) DeleteCredentialInfo(ctx context.Context, keyHash string) error {
	return c.del(ctx, c.credentialKey(keyHash))
}

// GetQuotaPolicy returns the cached quota policy for the given tenant.
func (c *Cache) GetQuotaPolicy(ctx context.Context, tenantID string) (store.QuotaPolicy, bool) {
	var policy store.QuotaPolicy
	if !c.get(ctx, c.quotaKey(tenantID), &policy) {
		return store.QuotaPolicy{}, false
	}
	return policy, true
}

// PutQuotaPolicy writes a quota policy through to the cache.
func (c *Cache) PutQuotaPolicy(ctx context.Context, tenantID string, policy store.QuotaPolicy) {
	c.put(ctx, c.quotaKey(tenantID), policy, c.quotaTTL)
}

// DeleteQuotaPolicy evicts the cached quota policy, issued on policy update.
func (c *Cache) DeleteQuotaPolicy(ctx context.Context, tenantID string) error {
	return c.del(ctx, c.quotaKey(tenantID))
}

func (c *Cache) get(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
			telemetry.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		} else {
			telemetry.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		}
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("cache entry undecodable, treating as miss", "key", key, "error", err)
		telemetry.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		return false
	}

	telemetry.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return true
}

func (c *Cache) put(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache put: encoding failed", "key", key, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", "key", key, "error", err)
		telemetry.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return
	}
	telemetry.CacheOperationsTotal.WithLabelValues("put", "ok").Inc()
}

func (c *Cache) del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
		telemetry.CacheOperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	telemetry.CacheOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}
