// Package ratelimiter implements per-tenant token-bucket admission control
// with dynamic capacity.
package ratelimiter

import (
	"sync"
	"time"

	"github.com/kestrelhq/anthrogate/internal/telemetry"
)

// bucket is one tenant's token bucket. All fields are guarded by mu; buckets
// are independent, so contention is bounded by per-tenant request rate.
type bucket struct {
	mu            sync.Mutex
	rpmLimit      int
	burstCapacity int
	tokens        float64
	lastRefill    time.Time
}

// Limiter is a concurrent map of per-tenant buckets. Buckets are created on
// first use, start full, and refill continuously against a monotonic clock.
type Limiter struct {
	buckets sync.Map // tenantID -> *bucket

	// now is the time source; time.Now carries a monotonic reading so
	// wall-clock jumps never distort refill. Overridable in tests.
	now func() time.Time
}

// New creates a Limiter.
func New() *Limiter {
	return &Limiter{now: time.Now}
}

// TryConsume admits or rejects one request for the tenant. rpmLimit and
// burstCapacity are the tenant's current policy values; a change is applied
// atomically to the bucket, clamping the balance down when burst shrinks.
// Both have a floor of 1 so a zero-capacity bucket can never exist.
func (l *Limiter) TryConsume(tenantID string, rpmLimit, burstCapacity int) bool {
	if rpmLimit < 1 {
		rpmLimit = 1
	}
	if burstCapacity < 1 {
		burstCapacity = 1
	}

	b := l.bucketFor(tenantID, rpmLimit, burstCapacity)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rpmLimit != rpmLimit || b.burstCapacity != burstCapacity {
		b.rpmLimit = rpmLimit
		b.burstCapacity = burstCapacity
		if b.tokens > float64(burstCapacity) {
			b.tokens = float64(burstCapacity)
		}
	}

	now := l.now()
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		refill := elapsed.Seconds() * float64(b.rpmLimit) / 60.0
		b.tokens = min(float64(b.burstCapacity), b.tokens+refill)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		telemetry.RateLimitDecisionsTotal.WithLabelValues("admitted").Inc()
		return true
	}
	telemetry.RateLimitDecisionsTotal.WithLabelValues("rejected").Inc()
	return false
}

// bucketFor returns the tenant's bucket, creating a full one on first use.
func (l *Limiter) bucketFor(tenantID string, rpmLimit, burstCapacity int) *bucket {
	if v, ok := l.buckets.Load(tenantID); ok {
		return v.(*bucket)
	}
	fresh := &bucket{
		rpmLimit:      rpmLimit,
		burstCapacity: burstCapacity,
		tokens:        float64(burstCapacity),
		lastRefill:    l.now(),
	}
	v, _ := l.buckets.LoadOrStore(tenantID, fresh)
	return v.(*bucket)
}
