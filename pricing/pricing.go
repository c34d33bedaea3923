// Package pricing resolves the price of one request. Resolution is ordered:
// match rules first, then the token model table, then a registered dynamic
// function, then the route/fallback/default static prices. The first source
// that produces a price wins.
package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/config"
)

// Vars is the request material pricing can inspect.
type Vars struct {
	// Body is the parsed JSON request body, nil when absent or unparseable.
	Body any

	Headers http.Header
	Query   url.Values
	Params  map[string]string
}

// Resolved is the outcome of price resolution.
type Resolved struct {
	// Price is the unparsed price string ("$0.01", "10000", "0").
	Price string

	// PayTo is a per-rule recipient override, nil when none applies.
	PayTo *config.PayTo

	// TimeBased marks time-priced routes; Duration is the session length.
	TimeBased bool
	Duration  time.Duration

	// Source names what produced the price, for logging.
	Source string
}

// Resolver evaluates route pricing against the global defaults.
type Resolver struct {
	defaultPrice string
	globalModels map[string]string
}

// NewResolver builds a resolver over the global default price and model table.
func NewResolver(defaultPrice string, globalModels map[string]string) *Resolver {
	return &Resolver{defaultPrice: defaultPrice, globalModels: globalModels}
}

// Resolve runs the ordered resolution for one request.
//
// A token-typed route whose body has no "model" string fails with a 400-class
// error; an unknown model falls through to the static fallbacks.
func (r *Resolver) Resolve(ctx context.Context, route config.Route, vars *Vars) (*Resolved, error) {
	// 1. Match rules, top to bottom.
	for i, rule := range route.Match {
		ok, err := ruleMatches(rule.Where, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Resolved{Price: rule.Price, PayTo: rule.PayTo, Source: fmt.Sprintf("match[%d]", i)}, nil
		}
	}

	price := route.Price

	// 2. Token-based model lookup.
	if price != nil && price.Kind == config.PriceToken {
		model, err := bodyModel(vars.Body)
		if err != nil {
			return nil, err
		}
		if p, ok := price.Models[model]; ok {
			return &Resolved{Price: p, Source: "model:" + model}, nil
		}
		if p, ok := r.globalModels[model]; ok {
			return &Resolved{Price: p, Source: "model:" + model}, nil
		}
		// Unknown model: fall through to the static fallbacks.
	}

	// 3. Registered dynamic function.
	if price != nil && price.Kind == config.PriceFn {
		fn, ok := lookupFunc(price.Fn)
		if !ok {
			return nil, tollbooth.NewGatewayError(tollbooth.KindConfig, http.StatusBadGateway,
				fmt.Sprintf("pricing function %q is not registered", price.Fn), nil)
		}
		out, err := fn(ctx, vars)
		if err != nil {
			return nil, tollbooth.NewGatewayError(tollbooth.KindHook, http.StatusBadGateway,
				"pricing function failed", err)
		}
		return &Resolved{Price: coercePrice(out), Source: "fn:" + price.Fn}, nil
	}

	// 4. Static forms and fallbacks.
	if price != nil && price.Kind == config.PriceTime {
		d, err := config.ParseWindow(price.Duration)
		if err != nil {
			return nil, err
		}
		return &Resolved{Price: price.Static, TimeBased: true, Duration: d, Source: "time"}, nil
	}
	if price != nil && price.Kind == config.PriceStatic && price.Static != "" {
		return &Resolved{Price: price.Static, Source: "route"}, nil
	}
	if route.Fallback != "" {
		return &Resolved{Price: route.Fallback, Source: "fallback"}, nil
	}
	return &Resolved{Price: r.defaultPrice, Source: "default"}, nil
}

// bodyModel pulls the non-empty "model" string out of a JSON object body.
func bodyModel(body any) (string, error) {
	obj, ok := body.(map[string]any)
	if ok {
		if model, ok := obj["model"].(string); ok && model != "" {
			return model, nil
		}
	}
	return "", tollbooth.NewGatewayError(tollbooth.KindBadRequest, http.StatusBadRequest,
		"token-priced route requires a JSON body with a \"model\" field", nil)
}

// coercePrice turns a dynamic function return into a price string; numeric
// returns are dollar amounts.
func coercePrice(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return fmt.Sprintf("$%g", n)
	case float32:
		return fmt.Sprintf("$%g", n)
	case int:
		return fmt.Sprintf("$%d", n)
	case int64:
		return fmt.Sprintf("$%d", n)
	default:
		return fmt.Sprint(v)
	}
}
