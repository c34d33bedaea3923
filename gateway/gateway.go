// Package gateway implements the per-request pipeline: route matching, body
// buffering, identity extraction, rate limiting, hooks, price resolution,
// payment verification and settlement, and upstream proxying. One Gateway
// serves many concurrent requests over shared stores and immutable config.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/config"
	"github.com/tollbooth-dev/tollbooth/encoding"
	"github.com/tollbooth-dev/tollbooth/hooks"
	"github.com/tollbooth-dev/tollbooth/payment"
	"github.com/tollbooth-dev/tollbooth/pricing"
	"github.com/tollbooth-dev/tollbooth/proxy"
	"github.com/tollbooth-dev/tollbooth/router"
	"github.com/tollbooth-dev/tollbooth/store"
)

const settlementSkippedHeader = "x-tollbooth-settlement-skipped"

// Gateway is the paid reverse proxy. Construct with New, serve with Handler.
type Gateway struct {
	cfg      *config.Config
	router   *router.Router
	resolver *pricing.Resolver
	stores   *store.Stores
	strategy payment.Strategy
	upstream *http.Client
	log      *slog.Logger
	metrics  *Metrics
	ips      *ipResolver

	// globalFacilitator folds settlement.url into the facilitator fallback
	// chain when no facilitator block is configured.
	globalFacilitator *config.Facilitator
}

// Options carries the injectable collaborators. Zero values get production
// defaults; tests override the strategy and clients.
type Options struct {
	Stores            *store.Stores
	Logger            *slog.Logger
	Strategy          payment.Strategy
	UpstreamClient    *http.Client
	FacilitatorClient *http.Client
	Metrics           *Metrics
}

// New builds a gateway over validated config.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	patterns := make([]string, 0, len(cfg.Routes))
	for _, e := range cfg.Routes {
		patterns = append(patterns, e.Pattern)
	}
	rt, err := router.New(patterns)
	if err != nil {
		return nil, err
	}

	ips, err := newIPResolver(cfg.Gateway.TrustProxy)
	if err != nil {
		return nil, fmt.Errorf("trustProxy: %w", err)
	}

	globalFacilitator := cfg.Facilitator
	if globalFacilitator == nil && cfg.Settlement != nil && cfg.Settlement.URL != "" {
		globalFacilitator = &config.Facilitator{Default: cfg.Settlement.URL}
	}

	strategy := opts.Strategy
	if strategy == nil {
		if cfg.Settlement != nil && cfg.Settlement.Strategy == "custom" {
			strategy, err = payment.LookupStrategy(cfg.Settlement.Name)
			if err != nil {
				return nil, err
			}
		} else {
			var authCfg *config.FacilitatorAuth
			if cfg.Facilitator != nil {
				authCfg = cfg.Facilitator.Auth
			}
			auth, err := payment.AuthFromConfig(authCfg)
			if err != nil {
				return nil, err
			}
			strategy = payment.NewFacilitatorStrategy(opts.FacilitatorClient, auth)
		}
	}

	stores := opts.Stores
	if stores == nil {
		stores = store.NewMemory(store.DefaultSweepInterval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Gateway{
		cfg:               cfg,
		router:            rt,
		resolver:          pricing.NewResolver(cfg.Defaults.Price, cfg.Models),
		stores:            stores,
		strategy:          strategy,
		upstream:          opts.UpstreamClient,
		log:               logger,
		metrics:           metrics,
		ips:               ips,
		globalFacilitator: globalFacilitator,
	}, nil
}

// Handler returns the full HTTP surface: built-in endpoints plus the paid
// route pipeline for everything else.
func (g *Gateway) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	if c := g.cfg.Gateway.CORS; c != nil {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: c.AllowedOrigins,
			AllowedMethods: c.AllowedMethods,
			AllowedHeaders: c.AllowedHeaders,
			ExposedHeaders: []string{"payment-required", "payment-response", settlementSkippedHeader},
		}))
	}

	mux.Get("/health", g.handleHealth)
	mux.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	if g.cfg.Gateway.Discovery {
		mux.Get("/.well-known/x402", g.handleDiscovery)
	}

	mux.NotFound(g.serve)
	mux.MethodNotAllowed(g.serve)
	return mux
}

// reqState is the request-scoped pipeline state, populated stage by stage.
type reqState struct {
	route        config.Route
	routeKey     string
	params       map[string]string
	rawBody      []byte
	body         any
	bodyBuffered bool
	identity     string
	payload      *tollbooth.PaymentPayload
	resolved     *pricing.Resolved
	amount       *big.Int
	accepts      []config.Accept
	reqs         []tollbooth.PaymentRequirement
	targets      []payment.Target
	hookReq      *hooks.Request
	log          *slog.Logger
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	log := g.log.With(
		slog.String("requestId", uuid.NewString()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	m, miss := g.router.Match(r.Method, r.URL.Path)
	if miss != nil {
		log.Info("route not found",
			slog.String("kind", string(tollbooth.KindRouteNotFound)),
			slog.String("suggestion", miss.Suggestion))
		g.metrics.Requests.WithLabelValues("4xx").Inc()
		respondNotFound(w, r.Method, r.URL.Path, miss)
		return
	}

	route, _ := g.cfg.Routes.Get(m.Pattern)
	st := &reqState{route: route, routeKey: m.Pattern, params: m.Params, log: log.With(slog.String("route", m.Pattern))}
	start := time.Now()
	status := g.handle(w, r, st)
	class := statusClass(status)
	g.metrics.Requests.WithLabelValues(class).Inc()
	g.metrics.Duration.WithLabelValues(class).Observe(time.Since(start).Seconds())
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request, st *reqState) int {
	ctx := r.Context()

	// S2: buffer the body only when pricing needs to inspect it.
	if routeNeedsBody(st.route) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return g.fail(w, r, st, tollbooth.NewGatewayError(tollbooth.KindBadRequest, http.StatusBadRequest,
				"failed to read request body", err))
		}
		st.rawBody = raw
		st.bodyBuffered = true
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			st.body = parsed
		}
	}

	if sig := r.Header.Get("payment-signature"); sig != "" {
		p, err := encoding.DecodePayment(sig)
		if err != nil {
			st.log.Warn("malformed payment-signature header", slog.Any("error", err))
		} else {
			st.payload = &p
		}
	}

	// S3: identity.
	st.identity = g.identity(r, st.payload)
	st.hookReq = &hooks.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RouteKey: st.routeKey,
		Params:   st.params,
		Query:    r.URL.Query(),
		Headers:  r.Header,
		Body:     st.body,
		RawBody:  st.rawBody,
		Identity: st.identity,
	}

	// S4: rate limit.
	if status, done := g.rateLimit(ctx, w, st); done {
		return status
	}

	// S5: onRequest hook.
	if status, done := g.runRequestHook(ctx, w, r, st, st.route.Hooks.OnRequest, g.cfg.Hooks.OnRequest); done {
		return status
	}

	// S6: price resolution.
	vars := &pricing.Vars{Body: st.body, Headers: r.Header, Query: r.URL.Query(), Params: st.params}
	resolved, err := g.resolver.Resolve(ctx, st.route, vars)
	if err != nil {
		return g.fail(w, r, st, err)
	}
	st.resolved = resolved
	st.hookReq.Price = resolved.Price

	st.accepts = st.route.Accepts
	if len(st.accepts) == 0 {
		st.accepts = g.cfg.Accepts
	}
	asset := "USDC"
	if len(st.accepts) > 0 {
		asset = st.accepts[0].Asset
	}
	amount, err := tollbooth.ParsePrice(resolved.Price, asset)
	if err != nil {
		return g.fail(w, r, st, tollbooth.NewGatewayError(tollbooth.KindConfig, http.StatusBadGateway,
			fmt.Sprintf("invalid price %q for route", resolved.Price), err))
	}
	st.amount = amount

	// Price 0 is the free-route sentinel: no payment and no payment-side
	// stages, straight to the upstream.
	if amount.Sign() == 0 {
		st.log.Debug("free route", slog.String("priceSource", resolved.Source))
		return g.proxyAndFinish(w, r, st, nil)
	}

	// S7: onPriceResolved hook.
	if status, done := g.runRequestHook(ctx, w, r, st, st.route.Hooks.OnPriceResolved, g.cfg.Hooks.OnPriceResolved); done {
		return status
	}

	// S8: build requirements.
	payTo := st.resolved.PayTo.Primary()
	if payTo == "" {
		payTo = st.route.PayTo.Primary()
	}
	reqs, err := payment.BuildRequirements(payment.BuildInput{
		Amount:            amount,
		Accepts:           st.accepts,
		PayTo:             payTo,
		Wallets:           g.cfg.Wallets,
		Resource:          r.URL.Path,
		Description:       st.routeKey,
		MaxTimeoutSeconds: g.cfg.Defaults.TimeoutSeconds,
	})
	if err != nil {
		return g.fail(w, r, st, tollbooth.NewGatewayError(tollbooth.KindConfig, http.StatusBadGateway, err.Error(), err))
	}
	st.reqs = reqs
	st.targets = payment.BuildTargets(reqs, st.accepts, st.route.Facilitator, g.globalFacilitator)

	// S9: payment branch.
	if st.payload == nil {
		g.metrics.Payments.WithLabelValues("missing").Inc()
		st.log.Info("payment required",
			slog.String("kind", string(tollbooth.KindPaymentMissing)),
			slog.String("price", resolved.Price),
			slog.String("identity", st.identity))
		respondPaymentRequired(w, reqs)
		return http.StatusPaymentRequired
	}

	sessionActive := false
	if resolved.TimeBased {
		_, active, err := g.stores.TimeSessions.Get(ctx, "ts:"+st.routeKey+":"+st.identity)
		if err != nil {
			st.log.Warn("time-session lookup failed", slog.Any("error", err))
		}
		sessionActive = active
	}

	v, err := g.verify(ctx, st)
	if err != nil {
		return g.fail(w, r, st, err)
	}
	g.metrics.Payments.WithLabelValues("success").Inc()
	st.hookReq.Payer = v.Payer

	if st.route.Settlement == "after-response" {
		return g.afterResponse(w, r, st, v, sessionActive)
	}
	return g.beforeResponse(w, r, st, v, sessionActive)
}

// beforeResponse settles first, then proxies. A settlement failure means the
// upstream is never called.
func (g *Gateway) beforeResponse(w http.ResponseWriter, r *http.Request, st *reqState, v *tollbooth.Verification, sessionActive bool) int {
	ctx := r.Context()

	if sessionActive {
		st.log.Debug("active time session, skipping settlement")
		return g.proxyAndFinish(w, r, st, nil)
	}

	settled, err := g.settle(ctx, st, v)
	if err != nil {
		return g.fail(w, r, st, err)
	}
	g.recordSession(ctx, st)

	if status, done := g.runRequestHook(ctx, w, r, st, st.route.Hooks.OnSettled, g.cfg.Hooks.OnSettled); done {
		return status
	}
	return g.proxyAndFinish(w, r, st, settled)
}

// afterResponse proxies first and decides afterwards. The settle decision
// needs only the upstream status and the onResponse hook, both available once
// headers arrive, so the body is streamed, never buffered.
func (g *Gateway) afterResponse(w http.ResponseWriter, r *http.Request, st *reqState, v *tollbooth.Verification, sessionActive bool) int {
	ctx := r.Context()

	resp, release, upErr := g.callUpstream(r, st)
	var status int
	if upErr == nil {
		defer release()
		defer resp.Body.Close()
		status = resp.StatusCode
	}

	hookResp := &hooks.Response{Status: status, UpstreamErr: upErr}
	if resp != nil {
		hookResp.Headers = resp.Header
	}
	result, err := g.runResponseHook(ctx, st, hookResp)
	if err != nil {
		return g.fail(w, r, st, err)
	}

	settle := upErr == nil && status < 500
	reason := ""
	if upErr != nil {
		reason = "upstream_unreachable"
	} else if status >= 500 {
		reason = "upstream_5xx"
	}

	var override *hooks.Override
	if result != nil {
		if result.Override != nil {
			// Response modification only; the default settle rule stands.
			override = result.Override
		} else if result.Decision != nil {
			settle = result.Decision.Settle
			if !settle {
				reason = result.Decision.Reason
				if reason == "" {
					reason = "hook"
				}
			} else {
				reason = ""
			}
		}
	}
	if sessionActive {
		// Active time session: skip quietly, session semantics, not a
		// settlement decision.
		settle = false
		reason = ""
	}

	var settled *tollbooth.SettlementResult
	if settle {
		settled, err = g.settle(ctx, st, v)
		if err != nil {
			return g.fail(w, r, st, err)
		}
		g.recordSession(ctx, st)
		if hookStatus, done := g.runRequestHook(ctx, w, r, st, st.route.Hooks.OnSettled, g.cfg.Hooks.OnSettled); done {
			return hookStatus
		}
	} else if reason != "" {
		skip, _ := json.Marshal(map[string]string{"reason": reason})
		w.Header().Set(settlementSkippedHeader, string(skip))
		g.metrics.Settlements.WithLabelValues("skipped").Inc()
		st.log.Info("settlement skipped", slog.String("reason", reason))
	}

	if override != nil {
		return writeOverride(w, override, settled, st.log)
	}
	if upErr != nil {
		return g.fail(w, r, st, upErr)
	}

	proxy.CopyResponseHeaders(w.Header(), resp)
	setSettlementHeader(w, settled, st.log)
	w.WriteHeader(status)
	streamCopy(w, resp.Body)
	return status
}

// proxyAndFinish streams the upstream response downstream, applying the
// onResponse hook and the payment-response header first. Used by the
// before-response path and free routes, where the body need not be buffered.
func (g *Gateway) proxyAndFinish(w http.ResponseWriter, r *http.Request, st *reqState, settled *tollbooth.SettlementResult) int {
	ctx := r.Context()

	resp, release, err := g.callUpstream(r, st)
	if err != nil {
		return g.fail(w, r, st, err)
	}
	defer release()
	defer resp.Body.Close()

	result, err := g.runResponseHook(ctx, st, &hooks.Response{Status: resp.StatusCode, Headers: resp.Header})
	if err != nil {
		return g.fail(w, r, st, err)
	}
	if result != nil && result.Override != nil {
		return writeOverride(w, result.Override, settled, st.log)
	}

	proxy.CopyResponseHeaders(w.Header(), resp)
	setSettlementHeader(w, settled, st.log)
	w.WriteHeader(resp.StatusCode)
	streamCopy(w, resp.Body)
	return resp.StatusCode
}

func (g *Gateway) callUpstream(r *http.Request, st *reqState) (*http.Response, func(), error) {
	upCfg, ok := g.cfg.Upstreams[st.route.Upstream]
	if !ok {
		return nil, nil, tollbooth.NewGatewayError(tollbooth.KindConfig, http.StatusBadGateway,
			fmt.Sprintf("unknown upstream %q", st.route.Upstream), nil)
	}

	path := r.URL.Path
	if st.route.Path != "" {
		rewritten, err := router.Rewrite(st.route.Path, st.params, r.URL.Query())
		if err != nil {
			return nil, nil, tollbooth.NewGatewayError(tollbooth.KindInternal, http.StatusInternalServerError,
				err.Error(), err)
		}
		path = rewritten
	}

	timeoutSeconds := upCfg.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = g.cfg.Defaults.TimeoutSeconds
	}

	req := proxy.Request{Method: r.Method, Path: path, RawQuery: r.URL.RawQuery, Header: r.Header}
	if st.bodyBuffered {
		req.Body = st.rawBody
	} else {
		req.Stream = r.Body
	}
	up := proxy.Upstream{
		BaseURL: upCfg.URL,
		Headers: upCfg.Headers,
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	}
	return proxy.Do(r.Context(), g.upstream, up, req)
}

func routeNeedsBody(route config.Route) bool {
	if route.Price != nil && route.Price.Kind == config.PriceToken {
		return true
	}
	for _, rule := range route.Match {
		for key := range rule.Where {
			if strings.HasPrefix(key, "body.") || key == "body" {
				return true
			}
		}
	}
	return false
}

func setSettlementHeader(w http.ResponseWriter, settled *tollbooth.SettlementResult, log *slog.Logger) {
	if settled == nil {
		return
	}
	header, err := encoding.EncodeSettlement(*settled)
	if err != nil {
		log.Warn("failed to encode settlement header", slog.Any("error", err))
		return
	}
	w.Header().Set("payment-response", header)
}

func writeOverride(w http.ResponseWriter, o *hooks.Override, settled *tollbooth.SettlementResult, log *slog.Logger) int {
	for name, value := range o.Headers {
		w.Header().Set(name, value)
	}
	setSettlementHeader(w, settled, log)
	status := o.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(o.Body)
	return status
}

// streamCopy forwards the body chunk by chunk, flushing after each write so
// event streams reach the client promptly.
func streamCopy(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
