package payment

import "github.com/tollbooth-dev/tollbooth/config"

// DefaultFacilitatorURL is used when no facilitator is configured anywhere.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// ResolveFacilitatorURL picks the facilitator for one network/asset pair.
// Route config wins over global config, and within each a chain-specific
// entry wins over the default URL:
//
//	route chains > route default > global chains > global default > built-in
func ResolveFacilitatorURL(network, asset string, route, global *config.Facilitator) string {
	for _, f := range []*config.Facilitator{route, global} {
		if f == nil {
			continue
		}
		if url := f.ChainURL(network, asset); url != "" {
			return url
		}
		if f.Default != "" {
			return f.Default
		}
	}
	return DefaultFacilitatorURL
}
