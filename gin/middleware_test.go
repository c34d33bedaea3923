package gin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/encoding"
	"github.com/tollbooth-dev/tollbooth/payment"
)

const testPayTo = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"

// fakeFacilitator accepts every verification and settles with a fixed tx.
func fakeFacilitator(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(payment.VerifyResponse{IsValid: true, Payer: "0xPayer"})
		case "/settle":
			json.NewEncoder(w).Encode(payment.SettleResponse{Success: true, Payer: "0xPayer", Transaction: "0xtx9", Network: "base"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEngine(t *testing.T, cfg Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	mw, err := Middleware(cfg)
	if err != nil {
		t.Fatalf("Middleware: %v", err)
	}
	engine := gin.New()
	engine.GET("/paid", mw, func(c *gin.Context) {
		v, ok := c.Get(PaymentContextKey)
		if !ok {
			t.Error("verification missing from gin context")
		}
		if _, ok := v.(*tollbooth.Verification); !ok {
			t.Errorf("context value = %T, want *tollbooth.Verification", v)
		}
		c.String(http.StatusOK, "paid content")
	})
	return engine
}

func signature(t *testing.T) string {
	t.Helper()
	header, err := encoding.EncodePayment(tollbooth.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base",
		Payload:     json.RawMessage(`{"authorization":{"from":"0xPayer"}}`),
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return header
}

func TestMiddlewareRequiresPayment(t *testing.T) {
	fac := fakeFacilitator(t)
	engine := testEngine(t, Config{
		Price:          "$0.01",
		Asset:          "USDC",
		Network:        "base",
		PayTo:          testPayTo,
		FacilitatorURL: fac.URL,
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paid", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	reqs, err := encoding.DecodeRequirements(rec.Header().Get("payment-required"))
	if err != nil || len(reqs) != 1 {
		t.Fatalf("requirements: %v (%d)", err, len(reqs))
	}
	if reqs[0].MaxAmountRequired != "10000" || reqs[0].PayTo != testPayTo {
		t.Errorf("requirement = %+v", reqs[0])
	}
}

func TestMiddlewareSettlesAndPasses(t *testing.T) {
	fac := fakeFacilitator(t)
	engine := testEngine(t, Config{
		Price:          "$0.01",
		Asset:          "USDC",
		Network:        "base",
		PayTo:          testPayTo,
		FacilitatorURL: fac.URL,
	})

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("payment-signature", signature(t))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "paid content" {
		t.Errorf("body = %q", rec.Body.String())
	}
	settled, err := encoding.DecodeSettlement(rec.Header().Get("payment-response"))
	if err != nil {
		t.Fatalf("decode payment-response: %v", err)
	}
	if settled.Transaction != "0xtx9" || settled.Amount != "10000" {
		t.Errorf("settlement = %+v", settled)
	}
}

func TestMiddlewareVerifyOnly(t *testing.T) {
	settleCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/settle" {
			settleCalled = true
		}
		json.NewEncoder(w).Encode(payment.VerifyResponse{IsValid: true, Payer: "0xPayer"})
	}))
	defer srv.Close()

	engine := testEngine(t, Config{
		Price:          "$0.01",
		Asset:          "USDC",
		Network:        "base",
		PayTo:          testPayTo,
		FacilitatorURL: srv.URL,
		VerifyOnly:     true,
	})

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("payment-signature", signature(t))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if settleCalled {
		t.Error("verify-only mode must not settle")
	}
	if rec.Header().Get("payment-response") != "" {
		t.Error("verify-only mode must not carry payment-response")
	}
}

func TestMiddlewareRejectedPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(payment.VerifyResponse{IsValid: false, InvalidReason: "insufficient funds"})
	}))
	defer srv.Close()

	engine := testEngine(t, Config{
		Price:          "$0.01",
		Asset:          "USDC",
		Network:        "base",
		PayTo:          testPayTo,
		FacilitatorURL: srv.URL,
	})

	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set("payment-signature", signature(t))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get("payment-required") == "" {
		t.Error("rejection must carry the requirements header")
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "payment rejected: insufficient funds" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMiddlewareInvalidPrice(t *testing.T) {
	if _, err := Middleware(Config{Price: "not-a-price", Asset: "USDC", Network: "base", PayTo: testPayTo}); err == nil {
		t.Error("want error for invalid price")
	}
}
