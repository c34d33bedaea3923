// Package store defines the gateway's three TTL stores — fixed-window rate
// limiting, verification caching, and time sessions — and their in-memory
// implementations. The redis subpackage provides shared-backend variants with
// the same semantics for multi-instance deployments.
package store

import (
	"context"
	"time"
)

// RateLimitResult is the outcome of one rate-limit check.
type RateLimitResult struct {
	// Allowed is true when this call's increment stayed within the limit.
	Allowed bool

	// Remaining is max(limit - count, 0) after this call.
	Remaining int

	// Limit echoes the applied limit.
	Limit int

	// Reset is the time left in the current window.
	Reset time.Duration
}

// RateLimiter is a fixed-window counter. Check atomically increments the
// key's counter, starting the window on the first increment. Across any
// window, at most limit calls return Allowed=true for the same key.
type RateLimiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// CacheEntry is a verification-cache value.
type CacheEntry struct {
	RequirementIndex int `json:"requirementIndex"`
}

// VerificationCache maps keys to requirement indexes with a per-entry TTL.
// Get returns nil for absent or expired entries; writes are last-write-wins.
type VerificationCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error
}

// TimeSessions maps keys to absolute expiry timestamps. Get returns ok=false
// for absent or expired sessions; writes are last-write-wins.
type TimeSessions interface {
	Get(ctx context.Context, key string) (expiresAt time.Time, ok bool, err error)
	Set(ctx context.Context, key string, expiresAt time.Time) error
}

// Stores bundles the three stores plus a stop function for any background
// sweepers, so callers can shut everything down together.
type Stores struct {
	RateLimiter       RateLimiter
	VerificationCache VerificationCache
	TimeSessions      TimeSessions

	stops []func()
}

// Close stops the background sweepers. Safe to call more than once.
func (s *Stores) Close() {
	for _, stop := range s.stops {
		stop()
	}
	s.stops = nil
}

// NewMemory builds the in-process store set. Entries expire lazily on read
// and a sweeper evicts leftovers every sweepInterval (60s in production; the
// sweeper goroutines never block process exit).
func NewMemory(sweepInterval time.Duration) *Stores {
	rl := newMemoryRateLimiter(sweepInterval)
	vc := newMemoryVerificationCache(sweepInterval)
	ts := newMemoryTimeSessions(sweepInterval)
	return &Stores{
		RateLimiter:       rl,
		VerificationCache: vc,
		TimeSessions:      ts,
		stops:             []func(){rl.stop, vc.stop, ts.stop},
	}
}

// DefaultSweepInterval is the production sweep cadence for memory stores.
const DefaultSweepInterval = 60 * time.Second
