package gateway

import (
	"net/http"
	"strings"

	"github.com/tollbooth-dev/tollbooth/config"
	"github.com/tollbooth-dev/tollbooth/payment"
)

type discoveryAccept struct {
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Facilitator string `json:"facilitator"`
}

type discoveryPricing struct {
	Type         string `json:"type"`
	DefaultPrice string `json:"defaultPrice,omitempty"`
}

type discoveryEndpoint struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Pricing     discoveryPricing  `json:"pricing"`
	Accepts     []discoveryAccept `json:"accepts"`
	Facilitator string            `json:"facilitator,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

type discoveryDocument struct {
	X402Version int                 `json:"x402Version"`
	Provider    string              `json:"provider"`
	Endpoints   []discoveryEndpoint `json:"endpoints"`
}

// handleDiscovery serves GET /.well-known/x402, listing every paid endpoint
// with its pricing shape and accepted payment methods.
func (g *Gateway) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	doc := discoveryDocument{
		X402Version: 2,
		Provider:    "tollbooth",
		Endpoints:   make([]discoveryEndpoint, 0, len(g.cfg.Routes)),
	}

	for _, entry := range g.cfg.Routes {
		method, path, ok := strings.Cut(entry.Pattern, " ")
		if !ok {
			continue
		}
		route := entry.Route

		accepts := route.Accepts
		if len(accepts) == 0 {
			accepts = g.cfg.Accepts
		}
		acceptInfos := make([]discoveryAccept, 0, len(accepts))
		for _, a := range accepts {
			acceptInfos = append(acceptInfos, discoveryAccept{
				Asset:       a.Asset,
				Network:     a.Network,
				Facilitator: payment.ResolveFacilitatorURL(a.Network, a.Asset, route.Facilitator, g.globalFacilitator),
			})
		}

		ep := discoveryEndpoint{
			Method:   method,
			Path:     path,
			Pricing:  pricingInfo(route, g.cfg.Defaults.Price),
			Accepts:  acceptInfos,
			Metadata: route.Metadata,
		}
		if route.Facilitator != nil && route.Facilitator.Default != "" {
			ep.Facilitator = route.Facilitator.Default
		}
		doc.Endpoints = append(doc.Endpoints, ep)
	}

	writeJSON(w, http.StatusOK, doc)
}

// pricingInfo classifies a route's pricing for discovery: match when rules
// exist, dynamic for fn/token/time models, static otherwise.
func pricingInfo(route config.Route, defaultPrice string) discoveryPricing {
	if len(route.Match) > 0 {
		return discoveryPricing{Type: "match"}
	}
	if route.Price != nil && route.Price.Kind != config.PriceStatic {
		return discoveryPricing{Type: "dynamic"}
	}

	price := defaultPrice
	if route.Price != nil && route.Price.Static != "" {
		price = route.Price.Static
	} else if route.Fallback != "" {
		price = route.Fallback
	}
	return discoveryPricing{Type: "static", DefaultPrice: price}
}
