package gateway

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/tollbooth-dev/tollbooth/config"
)

// ipResolver derives the client IP per the trust-proxy config. When trust is
// off, the direct socket address is authoritative; when on, the forwarded
// chain is consulted, optionally gated by a proxy CIDR allowlist.
type ipResolver struct {
	enabled  bool
	hops     int
	hasHops  bool
	prefixes []netip.Prefix
}

func newIPResolver(cfg config.TrustProxy) (*ipResolver, error) {
	res := &ipResolver{enabled: cfg.Enabled, hops: cfg.Hops, hasHops: cfg.HasHops}
	for _, c := range cfg.CIDRs {
		if p, err := netip.ParsePrefix(c); err == nil {
			res.prefixes = append(res.prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(c)
		if err != nil {
			return nil, err
		}
		res.prefixes = append(res.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return res, nil
}

// ClientIP resolves the request's client IP.
//
// The forwarded chain is client-first, proxies-last: Forwarded (RFC 7239)
// wins over X-Forwarded-For, which wins over X-Real-IP. With hops=N the
// (len-N)-th element is selected, clamped to 0; without hops the leftmost.
// When a CIDR allowlist is set, the direct socket and every hop after the
// selected element must be allowlisted or the headers are ignored.
func (res *ipResolver) ClientIP(r *http.Request) string {
	direct := remoteIP(r.RemoteAddr)
	if !res.enabled {
		return direct
	}

	chain := forwardedChain(r.Header)
	if len(chain) == 0 {
		return direct
	}

	idx := 0
	if res.hasHops {
		idx = len(chain) - res.hops
		if idx < 0 {
			idx = 0
		}
	}

	if len(res.prefixes) > 0 {
		if !res.allowed(direct) {
			return direct
		}
		for _, hop := range chain[idx+1:] {
			if !res.allowed(hop) {
				return direct
			}
		}
	}
	return chain[idx]
}

func (res *ipResolver) allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range res.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedChain extracts the client-first IP chain from the forwarding
// headers, skipping entries that do not parse as addresses.
func forwardedChain(h http.Header) []string {
	if fwd := h.Get("Forwarded"); fwd != "" {
		if chain := parseForwarded(fwd); len(chain) > 0 {
			return chain
		}
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		var chain []string
		for _, part := range strings.Split(xff, ",") {
			if ip := canonicalIP(strings.TrimSpace(part)); ip != "" {
				chain = append(chain, ip)
			}
		}
		if len(chain) > 0 {
			return chain
		}
	}
	if real := h.Get("X-Real-IP"); real != "" {
		if ip := canonicalIP(strings.TrimSpace(real)); ip != "" {
			return []string{ip}
		}
	}
	return nil
}

// parseForwarded reads the for= entries of an RFC 7239 Forwarded header.
func parseForwarded(value string) []string {
	var chain []string
	for _, element := range strings.Split(value, ",") {
		for _, param := range strings.Split(element, ";") {
			name, val, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(name), "for") {
				continue
			}
			val = strings.Trim(strings.TrimSpace(val), `"`)
			if ip := canonicalIP(val); ip != "" {
				chain = append(chain, ip)
			}
		}
	}
	return chain
}

// canonicalIP strips IPv6 brackets and ports, returning the bare address or
// "" when the value is not an IP.
func canonicalIP(s string) string {
	if s == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().String()
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String()
	}
	return ""
}

func remoteIP(remoteAddr string) string {
	if ip := canonicalIP(remoteAddr); ip != "" {
		return ip
	}
	return remoteAddr
}
