package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/config"
	"github.com/tollbooth-dev/tollbooth/encoding"
	"github.com/tollbooth-dev/tollbooth/hooks"
	"github.com/tollbooth-dev/tollbooth/payment"
	"github.com/tollbooth-dev/tollbooth/store"
)

const (
	testWallet = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
	testPayer  = "0x1111111111111111111111111111111111111111"
)

// stubStrategy accepts every payment and counts the calls.
type stubStrategy struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32
	verifyErr   error
	settleErr   error
}

func (s *stubStrategy) Verify(_ context.Context, payload tollbooth.PaymentPayload, targets []payment.Target) (*tollbooth.Verification, error) {
	s.verifyCalls.Add(1)
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &tollbooth.Verification{
		Requirement:      targets[0].Requirement,
		RequirementIndex: 0,
		Payer:            payload.Payer(),
	}, nil
}

func (s *stubStrategy) Settle(_ context.Context, _ tollbooth.PaymentPayload, target payment.Target, v *tollbooth.Verification) (*tollbooth.SettlementResult, error) {
	s.settleCalls.Add(1)
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	return &tollbooth.SettlementResult{
		Payer:       v.Payer,
		Amount:      target.Requirement.MaxAmountRequired,
		Transaction: "0xtx1",
		Network:     target.Requirement.Network,
	}, nil
}

func testConfig(upstreamURL string, routes config.RouteList) *config.Config {
	return &config.Config{
		Wallets:   map[string]string{"base": testWallet},
		Accepts:   []config.Accept{{Asset: "USDC", Network: "base"}},
		Defaults:  config.Defaults{Price: "$0.01", TimeoutSeconds: 5},
		Upstreams: map[string]config.Upstream{"api": {URL: upstreamURL}},
		Routes:    routes,
	}
}

func newTestHandler(t *testing.T, cfg *config.Config, strategy payment.Strategy) http.Handler {
	t.Helper()
	stores := store.NewMemory(time.Minute)
	t.Cleanup(func() { stores.Close() })

	gw, err := New(cfg, Options{
		Strategy: strategy,
		Stores:   stores,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw.Handler()
}

func signatureHeader(t *testing.T) string {
	t.Helper()
	header, err := encoding.EncodePayment(tollbooth.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base",
		Payload:     json.RawMessage(`{"authorization":{"from":"` + testPayer + `"}}`),
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return header
}

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "echo")
		io.WriteString(w, "upstream body")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPaymentRequiredResponse(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /weather", Route: config.Route{Upstream: "api"}},
	})
	h := newTestHandler(t, cfg, &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/weather", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}

	reqs, err := encoding.DecodeRequirements(rec.Header().Get("payment-required"))
	if err != nil {
		t.Fatalf("decode payment-required header: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("requirements = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.Scheme != "exact" || r.Network != "base" {
		t.Errorf("scheme/network = %q/%q", r.Scheme, r.Network)
	}
	if r.MaxAmountRequired != "10000" {
		t.Errorf("maxAmountRequired = %q, want 10000 for $0.01 USDC", r.MaxAmountRequired)
	}
	if r.Asset != tollbooth.USDCBase.Address {
		t.Errorf("asset = %q, want the base USDC contract", r.Asset)
	}
	if r.PayTo != testWallet {
		t.Errorf("payTo = %q", r.PayTo)
	}
	if r.Resource != "/weather" {
		t.Errorf("resource = %q", r.Resource)
	}

	// The body's accepts list round-trips to the same requirements.
	var body struct {
		Accepts []struct {
			PaymentRequirements tollbooth.PaymentRequirement `json:"paymentRequirements"`
		} `json:"accepts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	if len(body.Accepts) != 1 || !reflect.DeepEqual(body.Accepts[0].PaymentRequirements, r) {
		t.Errorf("402 body does not match the payment-required header: %+v", body)
	}
}

func TestPaidRequestSettlesBeforeResponse(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /weather", Route: config.Route{Upstream: "api"}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "upstream body" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "echo" {
		t.Error("upstream header not forwarded")
	}

	settled, err := encoding.DecodeSettlement(rec.Header().Get("payment-response"))
	if err != nil {
		t.Fatalf("decode payment-response: %v", err)
	}
	if settled.Amount != "10000" || settled.Payer != testPayer || settled.Transaction != "0xtx1" {
		t.Errorf("settlement = %+v", settled)
	}
	if strategy.verifyCalls.Load() != 1 || strategy.settleCalls.Load() != 1 {
		t.Errorf("verify/settle calls = %d/%d, want 1/1",
			strategy.verifyCalls.Load(), strategy.settleCalls.Load())
	}
}

func TestMatchRulePricing(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "POST /v1/chat", Route: config.Route{
			Upstream: "api",
			Match: []config.MatchRule{
				{Where: map[string]any{"body.model": "claude-haiku-*"}, Price: "$0.005"},
			},
			Price: &config.Price{Kind: config.PriceStatic, Static: "$0.05"},
		}},
	})
	h := newTestHandler(t, cfg, &stubStrategy{})

	tests := []struct {
		name       string
		model      string
		wantAmount string
	}{
		{"rule matches", "claude-haiku-20250101", "5000"},
		{"rule misses, route price", "other-model", "50000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := bytes.NewBufferString(`{"model":"` + tt.model + `"}`)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", body))

			if rec.Code != http.StatusPaymentRequired {
				t.Fatalf("status = %d, want 402", rec.Code)
			}
			reqs, err := encoding.DecodeRequirements(rec.Header().Get("payment-required"))
			if err != nil || len(reqs) != 1 {
				t.Fatalf("requirements: %v (%d)", err, len(reqs))
			}
			if reqs[0].MaxAmountRequired != tt.wantAmount {
				t.Errorf("maxAmountRequired = %q, want %q", reqs[0].MaxAmountRequired, tt.wantAmount)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /limited", Route: config.Route{
			Upstream:  "api",
			RateLimit: &config.RateLimit{Requests: 1, Window: "1m"},
		}},
	})
	h := newTestHandler(t, cfg, &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/limited", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("first request status = %d, want 402", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/limited", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Errorf("Retry-After = %q, want 1..60", rec.Header().Get("Retry-After"))
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "rate limit exceeded" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAfterResponseSettlesOnSuccess(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /report", Route: config.Route{Upstream: "api", Settlement: "after-response"}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "upstream body" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("payment-response") == "" {
		t.Error("payment-response missing after successful settlement")
	}
	if rec.Header().Get(settlementSkippedHeader) != "" {
		t.Error("skip header set on a settled request")
	}
	if strategy.settleCalls.Load() != 1 {
		t.Errorf("settle calls = %d, want 1", strategy.settleCalls.Load())
	}
}

func TestAfterResponseSkipsOnUpstream5xx(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer up.Close()

	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /report", Route: config.Route{Upstream: "api", Settlement: "after-response"}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, upstream status must pass through", rec.Code)
	}
	var skip map[string]string
	if err := json.Unmarshal([]byte(rec.Header().Get(settlementSkippedHeader)), &skip); err != nil {
		t.Fatalf("skip header: %v", err)
	}
	if skip["reason"] != "upstream_5xx" {
		t.Errorf("skip reason = %q", skip["reason"])
	}
	if rec.Header().Get("payment-response") != "" {
		t.Error("payment-response set on a skipped settlement")
	}
	if strategy.verifyCalls.Load() != 1 || strategy.settleCalls.Load() != 0 {
		t.Errorf("verify/settle calls = %d/%d, want 1/0",
			strategy.verifyCalls.Load(), strategy.settleCalls.Load())
	}
}

func TestAfterResponseStreamsBody(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer up.Close()

	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /stream", Route: config.Route{Upstream: "api", Settlement: "after-response"}},
	})
	strategy := &stubStrategy{}
	front := httptest.NewServer(newTestHandler(t, cfg, strategy))
	defer front.Close()
	// Releasing the upstream must precede both server shutdowns, or Close
	// would wait on the still-streaming handler.
	defer close(release)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("payment-signature", signatureHeader(t))
	resp, err := front.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("payment-response") == "" {
		t.Error("payment-response missing, settlement must precede the stream")
	}

	// The first event must arrive while the upstream holds the stream open.
	type chunk struct {
		data string
		err  error
	}
	got := make(chan chunk, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := resp.Body.Read(buf)
		got <- chunk{string(buf[:n]), err}
	}()
	select {
	case c := <-got:
		if c.err != nil {
			t.Fatalf("read: %v", c.err)
		}
		if !strings.Contains(c.data, "data: first") {
			t.Errorf("first chunk = %q", c.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first event not delivered before the upstream finished")
	}

	if strategy.settleCalls.Load() != 1 {
		t.Errorf("settle calls = %d, want 1", strategy.settleCalls.Load())
	}
}

func TestVerificationCacheSkipsRepeatVerify(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /cached", Route: config.Route{
			Upstream:          "api",
			VerificationCache: &config.VerificationCache{Enabled: true, TTL: "1m"},
		}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/cached", nil)
		req.Header.Set("payment-signature", signatureHeader(t))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
		if rec.Header().Get("payment-response") == "" {
			t.Errorf("request %d missing payment-response, cache must never skip settlement", i+1)
		}
	}

	if strategy.verifyCalls.Load() != 1 {
		t.Errorf("verify calls = %d, want 1 (second hit served from cache)", strategy.verifyCalls.Load())
	}
	if strategy.settleCalls.Load() != 2 {
		t.Errorf("settle calls = %d, want 2", strategy.settleCalls.Load())
	}
}

func TestTimeSessionSkipsSettlement(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /day-pass", Route: config.Route{
			Upstream: "api",
			Price:    &config.Price{Kind: config.PriceTime, Static: "$1", Duration: "1h"},
		}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	req := httptest.NewRequest(http.MethodGet, "/day-pass", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("payment-response") == "" {
		t.Fatalf("first request status = %d, payment-response %q", rec.Code, rec.Header().Get("payment-response"))
	}

	// Within the session the payment is verified but not settled again.
	req = httptest.NewRequest(http.MethodGet, "/day-pass", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second request status = %d", rec.Code)
	}
	if rec.Header().Get("payment-response") != "" {
		t.Error("in-session request must not carry payment-response")
	}
	if strategy.verifyCalls.Load() != 2 {
		t.Errorf("verify calls = %d, want 2", strategy.verifyCalls.Load())
	}
	if strategy.settleCalls.Load() != 1 {
		t.Errorf("settle calls = %d, want 1", strategy.settleCalls.Load())
	}
}

func TestFreeRouteBypassesPayment(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /free", Route: config.Route{
			Upstream: "api",
			Price:    &config.Price{Kind: config.PriceStatic, Static: "$0"},
		}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/free", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("payment-response") != "" {
		t.Error("free route must not carry payment-response")
	}
	if strategy.verifyCalls.Load() != 0 || strategy.settleCalls.Load() != 0 {
		t.Error("free route must not touch the payment strategy")
	}
}

func TestFreeRouteSkipsPriceResolvedHook(t *testing.T) {
	var gateCalled atomic.Bool
	hooks.RegisterRequest("gwtest-price-gate", func(_ context.Context, _ *hooks.Request) (*hooks.Rejection, error) {
		gateCalled.Store(true)
		return &hooks.Rejection{Status: http.StatusForbidden, Body: map[string]string{"error": "gated"}}, nil
	})

	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /free-gated", Route: config.Route{
			Upstream: "api",
			Price:    &config.Price{Kind: config.PriceStatic, Static: "$0"},
			Hooks:    config.HookSet{OnPriceResolved: "gwtest-price-gate"},
		}},
		{Pattern: "GET /paid-gated", Route: config.Route{
			Upstream: "api",
			Hooks:    config.HookSet{OnPriceResolved: "gwtest-price-gate"},
		}},
	})
	h := newTestHandler(t, cfg, &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/free-gated", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, free route must not run payment-side hooks", rec.Code)
	}
	if gateCalled.Load() {
		t.Error("onPriceResolved ran on a zero-priced route")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paid-gated", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, paid route should hit the hook rejection", rec.Code)
	}
	if !gateCalled.Load() {
		t.Error("onPriceResolved did not run on the paid route")
	}
}

func TestRejectedPaymentGets402WithRequirements(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /weather", Route: config.Route{Upstream: "api"}},
	})
	strategy := &stubStrategy{
		verifyErr: tollbooth.NewGatewayError(tollbooth.KindPaymentInvalid, http.StatusPaymentRequired,
			"payment rejected: insufficient funds", tollbooth.ErrVerificationFailed),
	}
	h := newTestHandler(t, cfg, strategy)

	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get("payment-required") == "" {
		t.Error("402 must carry the requirements header for retry")
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "payment rejected: insufficient funds" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestNotFoundSuggestion(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /weather", Route: config.Route{Upstream: "api"}},
	})
	h := newTestHandler(t, cfg, &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wether", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Error      string   `json:"error"`
		Checked    []string `json:"checked"`
		Suggestion string   `json:"suggestion"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "no route for GET /wether" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Suggestion != "GET /weather" {
		t.Errorf("suggestion = %q", body.Suggestion)
	}
	if len(body.Checked) != 1 {
		t.Errorf("checked = %v", body.Checked)
	}
}

func TestRequestHookRejection(t *testing.T) {
	hooks.RegisterRequest("gwtest-teapot", func(_ context.Context, req *hooks.Request) (*hooks.Rejection, error) {
		if req.Headers.Get("X-Blocked") == "1" {
			return &hooks.Rejection{Status: http.StatusTeapot, Body: map[string]string{"error": "blocked"}}, nil
		}
		return nil, nil
	})

	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /hooked", Route: config.Route{
			Upstream: "api",
			Price:    &config.Price{Kind: config.PriceStatic, Static: "$0"},
			Hooks:    config.HookSet{OnRequest: "gwtest-teapot"},
		}},
	})
	h := newTestHandler(t, cfg, &stubStrategy{})

	req := httptest.NewRequest(http.MethodGet, "/hooked", nil)
	req.Header.Set("X-Blocked", "1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want hook rejection status", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooked", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, unblocked request should pass", rec.Code)
	}
}

func TestResponseHookSettlementDecision(t *testing.T) {
	hooks.RegisterResponse("gwtest-quality", func(_ context.Context, _ *hooks.Request, resp *hooks.Response) (*hooks.ResponseResult, error) {
		if resp.Headers.Get("X-Quality") == "low" {
			return &hooks.ResponseResult{Decision: &hooks.SettlementDecision{Settle: false, Reason: "low_quality"}}, nil
		}
		return nil, nil
	})

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Quality", "low")
		io.WriteString(w, "meh")
	}))
	defer up.Close()

	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /graded", Route: config.Route{
			Upstream:   "api",
			Settlement: "after-response",
			Hooks:      config.HookSet{OnResponse: "gwtest-quality"},
		}},
	})
	strategy := &stubStrategy{}
	h := newTestHandler(t, cfg, strategy)

	req := httptest.NewRequest(http.MethodGet, "/graded", nil)
	req.Header.Set("payment-signature", signatureHeader(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var skip map[string]string
	if err := json.Unmarshal([]byte(rec.Header().Get(settlementSkippedHeader)), &skip); err != nil {
		t.Fatalf("skip header: %v", err)
	}
	if skip["reason"] != "low_quality" {
		t.Errorf("skip reason = %q", skip["reason"])
	}
	if strategy.settleCalls.Load() != 0 {
		t.Errorf("settle calls = %d, hook denied settlement", strategy.settleCalls.Load())
	}
}

func TestTaxonomyKindsLogged(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /weather", Route: config.Route{
			Upstream:  "api",
			RateLimit: &config.RateLimit{Requests: 1, Window: "1m"},
		}},
	})
	stores := store.NewMemory(time.Minute)
	t.Cleanup(func() { stores.Close() })

	var logs bytes.Buffer
	gw, err := New(cfg, Options{
		Strategy: &stubStrategy{},
		Stores:   stores,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := gw.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/weather", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/weather", nil))

	out := logs.String()
	for _, kind := range []tollbooth.ErrorKind{
		tollbooth.KindRouteNotFound,
		tollbooth.KindPaymentMissing,
		tollbooth.KindRateLimited,
	} {
		if !strings.Contains(out, "kind="+string(kind)) {
			t.Errorf("log output missing kind %s:\n%s", kind, out)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	up := echoUpstream(t)
	h := newTestHandler(t, testConfig(up.URL, nil), &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	up := echoUpstream(t)
	h := newTestHandler(t, testConfig(up.URL, nil), &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDiscoveryEndpoint(t *testing.T) {
	up := echoUpstream(t)
	cfg := testConfig(up.URL, config.RouteList{
		{Pattern: "GET /weather", Route: config.Route{Upstream: "api"}},
	})
	cfg.Gateway.Discovery = true
	h := newTestHandler(t, cfg, &stubStrategy{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/x402", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc struct {
		X402Version int    `json:"x402Version"`
		Provider    string `json:"provider"`
		Endpoints   []struct {
			Method string `json:"method"`
			Path   string `json:"path"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.X402Version != 2 {
		t.Errorf("x402Version = %d", doc.X402Version)
	}
	if len(doc.Endpoints) != 1 || doc.Endpoints[0].Method != "GET" || doc.Endpoints[0].Path != "/weather" {
		t.Errorf("endpoints = %+v", doc.Endpoints)
	}
}
