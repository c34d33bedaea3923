package config

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the invariants a startup-time schema violation would break.
// Any error here is fatal: the process exits 1 rather than serving with a
// half-usable config.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port: %d out of range", c.Gateway.Port)
	}

	for net, addr := range c.Wallets {
		if err := validateAddress(net, addr); err != nil {
			return fmt.Errorf("wallets[%q]: %w", net, err)
		}
	}

	if c.Settlement != nil {
		switch c.Settlement.Strategy {
		case "", "facilitator":
		case "custom":
			if c.Settlement.Name == "" {
				return fmt.Errorf("settlement: custom strategy requires a registered name")
			}
		default:
			return fmt.Errorf("settlement.strategy: unknown %q", c.Settlement.Strategy)
		}
	}

	switch c.Stores.Backend {
	case "memory":
	case "redis":
		if c.Stores.URL == "" {
			return fmt.Errorf("stores: redis backend requires a url")
		}
	default:
		return fmt.Errorf("stores.backend: unknown %q", c.Stores.Backend)
	}

	if c.Defaults.RateLimit != nil {
		if err := validateRateLimit(c.Defaults.RateLimit); err != nil {
			return fmt.Errorf("defaults.rateLimit: %w", err)
		}
	}
	if c.Defaults.VerificationCache != nil && c.Defaults.VerificationCache.Enabled {
		if _, err := ParseWindow(c.Defaults.VerificationCache.TTL); err != nil {
			return fmt.Errorf("defaults.verificationCache.ttl: %w", err)
		}
	}

	for _, cidr := range c.Gateway.TrustProxy.CIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			if _, err2 := netip.ParseAddr(cidr); err2 != nil {
				return fmt.Errorf("gateway.trustProxy.cidrs: %q is not a CIDR or address", cidr)
			}
		}
	}

	for i, e := range c.Routes {
		if err := c.validateRoute(e); err != nil {
			return fmt.Errorf("routes[%d] %q: %w", i, e.Pattern, err)
		}
	}
	return nil
}

func (c *Config) validateRoute(e RouteEntry) error {
	method, path, ok := strings.Cut(e.Pattern, " ")
	if !ok || method == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("pattern must be \"METHOD /path\"")
	}

	r := e.Route
	if r.Upstream == "" {
		return fmt.Errorf("missing upstream")
	}
	if _, ok := c.Upstreams[r.Upstream]; !ok {
		return fmt.Errorf("unknown upstream %q", r.Upstream)
	}

	switch r.Settlement {
	case "", "before-response", "after-response":
	default:
		return fmt.Errorf("settlement: unknown timing %q", r.Settlement)
	}

	if r.RateLimit != nil {
		if err := validateRateLimit(r.RateLimit); err != nil {
			return fmt.Errorf("rateLimit: %w", err)
		}
	}
	if r.VerificationCache != nil && r.VerificationCache.Enabled {
		if _, err := ParseWindow(r.VerificationCache.TTL); err != nil {
			return fmt.Errorf("verificationCache.ttl: %w", err)
		}
	}
	if r.Price != nil && r.Price.Kind == PriceTime {
		if _, err := ParseWindow(r.Price.Duration); err != nil {
			return fmt.Errorf("price.duration: %w", err)
		}
	}
	if r.PayTo != nil {
		if err := validatePayTo(r.PayTo); err != nil {
			return fmt.Errorf("payTo: %w", err)
		}
	}
	for j, rule := range r.Match {
		if rule.Price == "" {
			return fmt.Errorf("match[%d]: missing price", j)
		}
		if len(rule.Where) == 0 {
			return fmt.Errorf("match[%d]: empty where clause", j)
		}
		for key := range rule.Where {
			root, _, _ := strings.Cut(key, ".")
			switch root {
			case "body", "query", "headers", "params":
			default:
				return fmt.Errorf("match[%d]: where key %q must root at body, query, headers, or params", j, key)
			}
		}
		if rule.PayTo != nil {
			if err := validatePayTo(rule.PayTo); err != nil {
				return fmt.Errorf("match[%d].payTo: %w", j, err)
			}
		}
	}
	return nil
}

func validateRateLimit(rl *RateLimit) error {
	if rl.Requests < 1 {
		return fmt.Errorf("requests must be >= 1")
	}
	if _, err := ParseWindow(rl.Window); err != nil {
		return err
	}
	return nil
}

func validatePayTo(p *PayTo) error {
	if p.Address != "" {
		return validateAddress("", p.Address)
	}
	if len(p.Splits) == 0 {
		return fmt.Errorf("empty")
	}
	var sum float64
	for _, s := range p.Splits {
		if s.Share < 0 || s.Share > 1 {
			return fmt.Errorf("share %v out of [0,1]", s.Share)
		}
		if err := validateAddress("", s.Address); err != nil {
			return err
		}
		sum += s.Share
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("shares sum to %v, want 1", sum)
	}
	return nil
}

// validateAddress checks 0x-prefixed addresses with go-ethereum; other
// formats (e.g. base58 mints) pass through as opaque strings.
func validateAddress(network, addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%q is not a valid hex address", addr)
		}
	}
	return nil
}
