package payment

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/config"
)

// BuildInput is the material for one request's requirements list.
type BuildInput struct {
	// Amount is the resolved price in atomic units.
	Amount *big.Int

	// Accepts is the route's (or global) accepted payment methods, in order.
	Accepts []config.Accept

	// PayTo is the explicit receiving address, when the route or a match rule
	// set one. Empty means fall back to the wallets map.
	PayTo string

	// Wallets maps network name to the configured receiving address.
	Wallets map[string]string

	// Resource is the request path.
	Resource string

	// Description identifies the route, e.g. "GET /api/weather".
	Description string

	// MaxTimeoutSeconds bounds how long the payment authorization stays valid.
	MaxTimeoutSeconds int
}

// BuildRequirements produces one payment requirement per accepted payment
// method, preserving the accepts order. Known asset names are substituted for
// their contract addresses with the matching signing domain attached; unknown
// names pass through as literal on-chain identifiers.
func BuildRequirements(in BuildInput) ([]tollbooth.PaymentRequirement, error) {
	if len(in.Accepts) == 0 {
		return nil, fmt.Errorf("no accepted payment methods configured")
	}

	reqs := make([]tollbooth.PaymentRequirement, 0, len(in.Accepts))
	for _, accept := range in.Accepts {
		payTo := in.PayTo
		if payTo == "" {
			payTo = walletFor(in.Wallets, accept.Network)
		}
		if payTo == "" {
			return nil, fmt.Errorf("no payTo address for network %q", accept.Network)
		}

		req := tollbooth.PaymentRequirement{
			Scheme:            "exact",
			Network:           accept.Network,
			MaxAmountRequired: in.Amount.String(),
			Asset:             accept.Asset,
			PayTo:             payTo,
			Resource:          in.Resource,
			Description:       in.Description,
			MaxTimeoutSeconds: in.MaxTimeoutSeconds,
		}
		if chain, ok := tollbooth.LookupAsset(accept.Asset, accept.Network); ok {
			req.Asset = chain.Address
			req.Extra = map[string]interface{}{
				"name":    chain.EIP3009Name,
				"version": chain.EIP3009Version,
			}
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// walletFor picks the wallet for a network, falling back to the first wallet
// in name order when the network has none configured.
func walletFor(wallets map[string]string, network string) string {
	if addr, ok := wallets[network]; ok {
		return addr
	}
	if len(wallets) == 0 {
		return ""
	}
	names := make([]string, 0, len(wallets))
	for name := range wallets {
		names = append(names, name)
	}
	sort.Strings(names)
	return wallets[names[0]]
}

// BuildTargets pairs each requirement with its resolved facilitator URL.
func BuildTargets(reqs []tollbooth.PaymentRequirement, accepts []config.Accept, route, global *config.Facilitator) []Target {
	targets := make([]Target, len(reqs))
	for i, req := range reqs {
		asset := req.Asset
		if i < len(accepts) {
			asset = accepts[i].Asset
		}
		targets[i] = Target{
			Requirement:    req,
			FacilitatorURL: ResolveFacilitatorURL(req.Network, asset, route, global),
		}
	}
	return targets
}
