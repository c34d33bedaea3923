// Package config defines the gateway configuration model and its YAML/JSON
// loader. Config is loaded once at startup, environment-interpolated, validated,
// and immutable afterwards.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Gateway     Gateway             `yaml:"gateway"`
	Wallets     map[string]string   `yaml:"wallets"`
	Accepts     []Accept            `yaml:"accepts"`
	Defaults    Defaults            `yaml:"defaults"`
	Models      map[string]string   `yaml:"models"`
	Facilitator *Facilitator        `yaml:"facilitator"`
	Settlement  *Settlement         `yaml:"settlement"`
	Stores      Stores              `yaml:"stores"`
	Hooks       HookSet             `yaml:"hooks"`
	Upstreams   map[string]Upstream `yaml:"upstreams"`
	Routes      RouteList           `yaml:"routes"`
}

// Gateway holds the listener-level settings.
type Gateway struct {
	Port       int        `yaml:"port"`
	Hostname   string     `yaml:"hostname"`
	TrustProxy TrustProxy `yaml:"trustProxy"`
	CORS       *CORS      `yaml:"cors"`
	Discovery  bool       `yaml:"discovery"`
}

// CORS configures the allowlist applied to cross-origin requests and
// preflights.
type CORS struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders"`
}

// Accept is one accepted payment method.
type Accept struct {
	Asset   string `yaml:"asset" json:"asset"`
	Network string `yaml:"network" json:"network"`
}

// Defaults applies when a route leaves a knob unset.
type Defaults struct {
	Price             string             `yaml:"price"`
	TimeoutSeconds    int                `yaml:"timeoutSeconds"`
	RateLimit         *RateLimit         `yaml:"rateLimit"`
	VerificationCache *VerificationCache `yaml:"verificationCache"`
}

// RateLimit is a fixed-window limit: at most Requests per Window.
type RateLimit struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
}

// VerificationCache enables skipping repeat verify calls for a TTL.
type VerificationCache struct {
	Enabled bool   `yaml:"enabled"`
	TTL     string `yaml:"ttl"`
}

// Settlement selects the settlement strategy: the default facilitator
// strategy, or a custom strategy registered by name.
type Settlement struct {
	Strategy string `yaml:"strategy"`
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
}

// Stores selects the store backend shared by rate limiting, verification
// caching, and time sessions.
type Stores struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
}

// HookSet names the registered hooks to run at each stage. Route-level hooks
// win over global ones.
type HookSet struct {
	OnRequest       string `yaml:"onRequest"`
	OnPriceResolved string `yaml:"onPriceResolved"`
	OnSettled       string `yaml:"onSettled"`
	OnResponse      string `yaml:"onResponse"`
	OnError         string `yaml:"onError"`
}

// Upstream is one proxied backend.
type Upstream struct {
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
}

// Route is the configuration attached to one route pattern.
type Route struct {
	Upstream          string             `yaml:"upstream"`
	Path              string             `yaml:"path"`
	Price             *Price             `yaml:"price"`
	Match             []MatchRule        `yaml:"match"`
	Fallback          string             `yaml:"fallback"`
	Accepts           []Accept           `yaml:"accepts"`
	PayTo             *PayTo             `yaml:"payTo"`
	Facilitator       *Facilitator       `yaml:"facilitator"`
	RateLimit         *RateLimit         `yaml:"rateLimit"`
	VerificationCache *VerificationCache `yaml:"verificationCache"`
	Hooks             HookSet            `yaml:"hooks"`
	Metadata          map[string]any     `yaml:"metadata"`
	Settlement        string             `yaml:"settlement"`
}

// MatchRule prices a request when every where-clause entry matches. Keys are
// dot-paths rooted at body, query, headers, or params; string values support
// "*" globs.
type MatchRule struct {
	Where map[string]any `yaml:"where"`
	Price string         `yaml:"price"`
	PayTo *PayTo         `yaml:"payTo"`
}

// RouteEntry pairs a pattern ("GET /data/:id") with its route config.
type RouteEntry struct {
	Pattern string
	Route   Route
}

// RouteList preserves the insertion order of the routes mapping; route
// matching and ambiguity resolution depend on it.
type RouteList []RouteEntry

// UnmarshalYAML decodes a mapping node pair-by-pair to keep document order,
// which plain map decoding would lose.
func (rl *RouteList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("routes: expected a mapping, got %s", nodeKind(node))
	}
	out := make(RouteList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var pattern string
		if err := node.Content[i].Decode(&pattern); err != nil {
			return fmt.Errorf("routes: bad pattern key: %w", err)
		}
		var route Route
		if err := node.Content[i+1].Decode(&route); err != nil {
			return fmt.Errorf("routes[%q]: %w", pattern, err)
		}
		out = append(out, RouteEntry{Pattern: pattern, Route: route})
	}
	*rl = out
	return nil
}

// Get returns the route config for a pattern.
func (rl RouteList) Get(pattern string) (Route, bool) {
	for _, e := range rl {
		if e.Pattern == pattern {
			return e.Route, true
		}
	}
	return Route{}, false
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	default:
		return "node"
	}
}
