package store

import (
	"context"
	"sync"
	"time"
)

// janitor runs a periodic sweep until stopped. It deliberately holds no
// reference back from the ticker goroutine to anything that would keep the
// process alive.
type janitor struct {
	stopCh chan struct{}
	once   sync.Once
}

func startJanitor(interval time.Duration, sweep func(now time.Time)) *janitor {
	j := &janitor{stopCh: make(chan struct{})}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				sweep(now)
			case <-j.stopCh:
				return
			}
		}
	}()
	return j
}

func (j *janitor) stop() {
	j.once.Do(func() { close(j.stopCh) })
}

// memoryRateLimiter is the in-process fixed-window counter.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	janitor *janitor
}

type window struct {
	count     int
	expiresAt time.Time
}

func newMemoryRateLimiter(sweepInterval time.Duration) *memoryRateLimiter {
	rl := &memoryRateLimiter{windows: map[string]*window{}}
	rl.janitor = startJanitor(sweepInterval, rl.sweep)
	return rl
}

func (rl *memoryRateLimiter) Check(ctx context.Context, key string, limit int, windowDur time.Duration) (RateLimitResult, error) {
	now := time.Now()

	rl.mu.Lock()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(windowDur)}
		rl.windows[key] = w
	}
	w.count++
	count := w.count
	reset := w.expiresAt.Sub(now)
	rl.mu.Unlock()

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		Reset:     reset,
	}, nil
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.expiresAt) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) stop() { rl.janitor.stop() }

// memoryVerificationCache is the in-process verification cache.
type memoryVerificationCache struct {
	mu      sync.Mutex
	entries map[string]cacheItem
	janitor *janitor
}

type cacheItem struct {
	entry     CacheEntry
	expiresAt time.Time
}

func newMemoryVerificationCache(sweepInterval time.Duration) *memoryVerificationCache {
	vc := &memoryVerificationCache{entries: map[string]cacheItem{}}
	vc.janitor = startJanitor(sweepInterval, vc.sweep)
	return vc
}

func (vc *memoryVerificationCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	now := time.Now()
	vc.mu.Lock()
	defer vc.mu.Unlock()

	item, ok := vc.entries[key]
	if !ok {
		return nil, nil
	}
	if !now.Before(item.expiresAt) {
		delete(vc.entries, key)
		return nil, nil
	}
	entry := item.entry
	return &entry, nil
}

func (vc *memoryVerificationCache) Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.entries[key] = cacheItem{entry: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (vc *memoryVerificationCache) sweep(now time.Time) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for key, item := range vc.entries {
		if !now.Before(item.expiresAt) {
			delete(vc.entries, key)
		}
	}
}

func (vc *memoryVerificationCache) stop() { vc.janitor.stop() }

// memoryTimeSessions is the in-process time-session store.
type memoryTimeSessions struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	janitor  *janitor
}

func newMemoryTimeSessions(sweepInterval time.Duration) *memoryTimeSessions {
	ts := &memoryTimeSessions{sessions: map[string]time.Time{}}
	ts.janitor = startJanitor(sweepInterval, ts.sweep)
	return ts
}

func (ts *memoryTimeSessions) Get(ctx context.Context, key string) (time.Time, bool, error) {
	now := time.Now()
	ts.mu.Lock()
	defer ts.mu.Unlock()

	expiresAt, ok := ts.sessions[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !now.Before(expiresAt) {
		delete(ts.sessions, key)
		return time.Time{}, false, nil
	}
	return expiresAt, true, nil
}

func (ts *memoryTimeSessions) Set(ctx context.Context, key string, expiresAt time.Time) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.sessions[key] = expiresAt
	return nil
}

func (ts *memoryTimeSessions) sweep(now time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for key, expiresAt := range ts.sessions {
		if !now.Before(expiresAt) {
			delete(ts.sessions, key)
		}
	}
}

func (ts *memoryTimeSessions) stop() { ts.janitor.stop() }
