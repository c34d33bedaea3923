// Package redis provides the shared-backend variants of the gateway stores.
// Semantics match the in-memory stores: atomic increment with TTL-on-first
// for rate limiting, last-write-wins PX-TTL entries for the verification
// cache and time sessions. Keys expire server-side, so there is no sweeper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tollbooth-dev/tollbooth/store"
)

// New connects to the backend named by a redis URL
// (redis://[user:pass@]host:port/db) and returns the shared store set.
func New(ctx context.Context, url string) (*store.Stores, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient builds the store set over an existing client. The caller owns
// the client's lifecycle.
func NewWithClient(client *redis.Client) *store.Stores {
	return &store.Stores{
		RateLimiter:       &rateLimiter{client: client},
		VerificationCache: &verificationCache{client: client},
		TimeSessions:      &timeSessions{client: client},
	}
}

type rateLimiter struct {
	client *redis.Client
}

// Check does INCR, sets the window TTL on the first increment, then reads the
// TTL back for the reset time. A first-increment race can leave the key
// briefly TTL-less; re-setting when PTTL reports none is best-effort and may
// exceed the limit by O(concurrency) under extreme contention.
func (rl *rateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (store.RateLimitResult, error) {
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return store.RateLimitResult{}, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := rl.client.PExpire(ctx, key, window).Err(); err != nil {
			return store.RateLimitResult{}, fmt.Errorf("ratelimit expire: %w", err)
		}
	}

	reset, err := rl.client.PTTL(ctx, key).Result()
	if err != nil {
		return store.RateLimitResult{}, fmt.Errorf("ratelimit pttl: %w", err)
	}
	if reset <= 0 {
		// Lost the TTL between increment and read; restore the window.
		if err := rl.client.PExpire(ctx, key, window).Err(); err != nil {
			return store.RateLimitResult{}, fmt.Errorf("ratelimit expire: %w", err)
		}
		reset = window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return store.RateLimitResult{
		Allowed:   int(count) <= limit,
		Remaining: remaining,
		Limit:     limit,
		Reset:     reset,
	}, nil
}

type verificationCache struct {
	client *redis.Client
}

func (vc *verificationCache) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	raw, err := vc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vcache get: %w", err)
	}
	var entry store.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("vcache decode: %w", err)
	}
	return &entry, nil
}

func (vc *verificationCache) Set(ctx context.Context, key string, entry store.CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("vcache encode: %w", err)
	}
	if err := vc.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("vcache set: %w", err)
	}
	return nil
}

type timeSessions struct {
	client *redis.Client
}

func (ts *timeSessions) Get(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := ts.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session get: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session decode: %w", err)
	}
	expiresAt := time.UnixMilli(ms)
	if !time.Now().Before(expiresAt) {
		return time.Time{}, false, nil
	}
	return expiresAt, true, nil
}

func (ts *timeSessions) Set(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	val := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	if err := ts.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("session set: %w", err)
	}
	return nil
}
