package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PriceKind discriminates the pricing models a route can carry.
type PriceKind string

const (
	PriceStatic PriceKind = "static"
	PriceToken  PriceKind = "token"
	PriceTime   PriceKind = "time"
	PriceFn     PriceKind = "fn"
)

// Price is the polymorphic route price:
//
//	price: "$0.01"                          # static
//	price: {fn: my-pricer}                  # registered dynamic function
//	price: {type: token, models: {...}}     # per-model table
//	price: {type: time, price: "$1", duration: 1h}
type Price struct {
	Kind     PriceKind
	Static   string
	Fn       string
	Models   map[string]string
	Duration string
}

// UnmarshalYAML accepts the scalar and mapping forms described on Price.
func (p *Price) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*p = Price{Kind: PriceStatic, Static: s}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("price: expected string or mapping")
	}

	var m struct {
		Type     string            `yaml:"type"`
		Fn       string            `yaml:"fn"`
		Price    string            `yaml:"price"`
		Models   map[string]string `yaml:"models"`
		Duration string            `yaml:"duration"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}

	switch {
	case m.Fn != "":
		*p = Price{Kind: PriceFn, Fn: m.Fn}
	case m.Type == "token":
		*p = Price{Kind: PriceToken, Models: m.Models}
	case m.Type == "time":
		*p = Price{Kind: PriceTime, Static: m.Price, Duration: m.Duration}
	default:
		return fmt.Errorf("price: unknown form (want string, fn, token, or time)")
	}
	return nil
}

// Split is one recipient of a split payment.
type Split struct {
	Address string  `yaml:"address"`
	Share   float64 `yaml:"share"`
}

// PayTo is either a single wallet address or a list of splits whose shares
// sum to 1.
type PayTo struct {
	Address string
	Splits  []Split
}

// UnmarshalYAML accepts a bare address string or a sequence of splits.
func (p *PayTo) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*p = PayTo{Address: s}
		return nil
	case yaml.SequenceNode:
		var splits []Split
		if err := node.Decode(&splits); err != nil {
			return err
		}
		*p = PayTo{Splits: splits}
		return nil
	default:
		return fmt.Errorf("payTo: expected address string or split list")
	}
}

// Primary returns the address a payment requirement names: the single
// address, or the first split recipient.
func (p *PayTo) Primary() string {
	if p == nil {
		return ""
	}
	if p.Address != "" {
		return p.Address
	}
	if len(p.Splits) > 0 {
		return p.Splits[0].Address
	}
	return ""
}

// FacilitatorAuth configures outbound authorization to a facilitator: a
// static Authorization header value, or CDP API-key credentials used to mint
// ES256 bearer tokens per request.
type FacilitatorAuth struct {
	Authorization string `yaml:"authorization"`
	CDPKeyName    string `yaml:"cdpKeyName"`
	CDPKeySecret  string `yaml:"cdpKeySecret"`
}

// Facilitator is the facilitator URL config: a bare URL (the degenerate
// {default: url} mapping) or a default plus per-"network/asset" chain
// overrides.
type Facilitator struct {
	Default string
	Chains  map[string]string
	Auth    *FacilitatorAuth
}

// UnmarshalYAML accepts a bare URL string or the mapping form.
func (f *Facilitator) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*f = Facilitator{Default: s}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("facilitator: expected URL string or mapping")
	}
	var m struct {
		Default string            `yaml:"default"`
		Chains  map[string]string `yaml:"chains"`
		Auth    *FacilitatorAuth  `yaml:"auth"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	*f = Facilitator{Default: m.Default, Chains: m.Chains, Auth: m.Auth}
	return nil
}

// ChainURL returns the chain-specific URL for "network/asset", matched
// case-insensitively, or "" when absent.
func (f *Facilitator) ChainURL(network, asset string) string {
	if f == nil {
		return ""
	}
	want := strings.ToLower(network + "/" + asset)
	for k, v := range f.Chains {
		if strings.ToLower(k) == want {
			return v
		}
	}
	return ""
}

// TrustProxy is the client-IP trust config: false | true | N | {hops, cidrs}.
type TrustProxy struct {
	Enabled bool
	Hops    int
	HasHops bool
	CIDRs   []string
}

// UnmarshalYAML accepts boolean, integer, and mapping forms.
func (t *TrustProxy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if b, err := strconv.ParseBool(node.Value); err == nil {
			*t = TrustProxy{Enabled: b}
			return nil
		}
		if n, err := strconv.Atoi(node.Value); err == nil {
			if n < 1 {
				return fmt.Errorf("trustProxy: hop count must be >= 1")
			}
			*t = TrustProxy{Enabled: true, Hops: n, HasHops: true}
			return nil
		}
		return fmt.Errorf("trustProxy: expected bool, hop count, or mapping")
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("trustProxy: expected bool, hop count, or mapping")
	}
	var m struct {
		Hops  *int     `yaml:"hops"`
		CIDRs []string `yaml:"cidrs"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	out := TrustProxy{Enabled: true, CIDRs: m.CIDRs}
	if m.Hops != nil {
		if *m.Hops < 1 {
			return fmt.Errorf("trustProxy: hops must be >= 1")
		}
		out.Hops = *m.Hops
		out.HasHops = true
	}
	*t = out
	return nil
}
