package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/config"
	"github.com/tollbooth-dev/tollbooth/store"
)

// verify runs cache-aware verification. A cache hit skips the verify call
// only; settlement is never skipped on its account. The cache is keyed by
// payer identity exclusively, never by IP.
func (g *Gateway) verify(ctx context.Context, st *reqState) (*tollbooth.Verification, error) {
	vcCfg := st.route.VerificationCache
	if vcCfg == nil {
		vcCfg = g.cfg.Defaults.VerificationCache
	}

	var ttl time.Duration
	useCache := vcCfg != nil && vcCfg.Enabled && strings.HasPrefix(st.identity, "payer:")
	if useCache {
		d, err := config.ParseWindow(vcCfg.TTL)
		if err != nil {
			st.log.Warn("invalid verification cache ttl, cache disabled", slog.String("ttl", vcCfg.TTL))
			useCache = false
		} else {
			ttl = d
		}
	}

	key := "vc:" + st.routeKey + ":" + st.identity
	if useCache {
		entry, err := g.stores.VerificationCache.Get(ctx, key)
		if err != nil {
			st.log.Warn("verification cache read failed", slog.Any("error", err))
		}
		if entry != nil {
			g.metrics.VCache.WithLabelValues("hit").Inc()
			idx := entry.RequirementIndex
			if idx < 0 || idx >= len(st.reqs) {
				g.metrics.VCacheStale.Inc()
				st.log.Warn("cached requirement index out of range, falling back to 0",
					slog.Int("cached", idx), slog.Int("requirements", len(st.reqs)))
				idx = 0
			}
			return &tollbooth.Verification{
				Requirement:      st.reqs[idx],
				RequirementIndex: idx,
				Payer:            payerAddress(*st.payload),
				FromCache:        true,
			}, nil
		}
		g.metrics.VCache.WithLabelValues("miss").Inc()
	}

	v, err := g.strategy.Verify(ctx, *st.payload, st.targets)
	if err != nil {
		return nil, err
	}
	st.log.Debug("payment verified",
		slog.String("payer", v.Payer), slog.Int("requirementIndex", v.RequirementIndex))

	if useCache {
		entry := store.CacheEntry{RequirementIndex: v.RequirementIndex}
		if err := g.stores.VerificationCache.Set(ctx, key, entry, ttl); err != nil {
			st.log.Warn("verification cache write failed", slog.Any("error", err))
		}
	}
	return v, nil
}

// settle executes the verified payment once and records the outcome.
func (g *Gateway) settle(ctx context.Context, st *reqState, v *tollbooth.Verification) (*tollbooth.SettlementResult, error) {
	target := st.targets[0]
	if v.RequirementIndex >= 0 && v.RequirementIndex < len(st.targets) {
		target = st.targets[v.RequirementIndex]
	}

	settled, err := g.strategy.Settle(ctx, *st.payload, target, v)
	if err != nil {
		g.metrics.Settlements.WithLabelValues("failure").Inc()
		return nil, err
	}
	g.metrics.Settlements.WithLabelValues("success").Inc()
	st.log.Info("payment settled",
		slog.String("payer", settled.Payer),
		slog.String("amount", settled.Amount),
		slog.String("transaction", settled.Transaction),
		slog.String("network", settled.Network))
	return settled, nil
}

// recordSession opens a time session after a settled time-priced request.
func (g *Gateway) recordSession(ctx context.Context, st *reqState) {
	if st.resolved == nil || !st.resolved.TimeBased {
		return
	}
	key := "ts:" + st.routeKey + ":" + st.identity
	expiresAt := time.Now().Add(st.resolved.Duration)
	if err := g.stores.TimeSessions.Set(ctx, key, expiresAt); err != nil {
		st.log.Warn("time-session write failed", slog.Any("error", err))
		return
	}
	st.log.Debug("time session opened", slog.Time("expiresAt", expiresAt))
}

// rateLimit enforces the effective fixed-window limit. Store failures log and
// allow; a throttled request gets 429 with Retry-After.
func (g *Gateway) rateLimit(ctx context.Context, w http.ResponseWriter, st *reqState) (int, bool) {
	rlCfg := st.route.RateLimit
	if rlCfg == nil {
		rlCfg = g.cfg.Defaults.RateLimit
	}
	if rlCfg == nil || rlCfg.Requests <= 0 {
		return 0, false
	}

	window, err := config.ParseWindow(rlCfg.Window)
	if err != nil {
		st.log.Warn("invalid rate limit window, limit disabled", slog.String("window", rlCfg.Window))
		return 0, false
	}

	res, err := g.stores.RateLimiter.Check(ctx, st.routeKey+":"+st.identity, rlCfg.Requests, window)
	if err != nil {
		st.log.Warn("rate limit check failed, allowing request", slog.Any("error", err))
		return 0, false
	}

	resetSeconds := int(math.Ceil(res.Reset.Seconds()))
	if resetSeconds < 1 {
		resetSeconds = 1
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))

	if !res.Allowed {
		g.metrics.RateLimitBlocked.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(resetSeconds))
		st.log.Info("rate limited",
			slog.String("kind", string(tollbooth.KindRateLimited)),
			slog.String("identity", st.identity))
		respondErrorJSON(w, http.StatusTooManyRequests, "rate limit exceeded")
		return http.StatusTooManyRequests, true
	}
	return 0, false
}
