package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/encoding"
	"github.com/tollbooth-dev/tollbooth/hooks"
)

// hookName resolves the effective hook for a stage: route-level wins over
// global.
func hookName(routeName, globalName string) string {
	if routeName != "" {
		return routeName
	}
	return globalName
}

// runRequestHook runs a request-stage hook (onRequest, onPriceResolved,
// onSettled). The bool reports whether a terminal response was written.
func (g *Gateway) runRequestHook(ctx context.Context, w http.ResponseWriter, r *http.Request, st *reqState, routeName, globalName string) (int, bool) {
	name := hookName(routeName, globalName)
	if name == "" {
		return 0, false
	}

	fn, ok := hooks.LookupRequest(name)
	if !ok {
		status := g.fail(w, r, st, tollbooth.NewGatewayError(tollbooth.KindConfig, http.StatusBadGateway,
			fmt.Sprintf("hook %q is not registered", name), nil))
		return status, true
	}

	rejection, err := fn(ctx, st.hookReq)
	if err != nil {
		status := g.fail(w, r, st, tollbooth.NewGatewayError(tollbooth.KindHook, http.StatusBadGateway,
			fmt.Sprintf("hook %q failed", name), err))
		return status, true
	}
	if rejection == nil {
		return 0, false
	}

	status := rejection.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	st.log.Info("request rejected by hook", slog.String("hook", name), slog.Int("status", status))
	if rejection.Body == nil {
		respondErrorJSON(w, status, "request rejected")
	} else {
		writeJSON(w, status, rejection.Body)
	}
	return status, true
}

// runResponseHook runs the onResponse hook, when configured.
func (g *Gateway) runResponseHook(ctx context.Context, st *reqState, resp *hooks.Response) (*hooks.ResponseResult, error) {
	name := hookName(st.route.Hooks.OnResponse, g.cfg.Hooks.OnResponse)
	if name == "" {
		return nil, nil
	}

	fn, ok := hooks.LookupResponse(name)
	if !ok {
		return nil, tollbooth.NewGatewayError(tollbooth.KindConfig, http.StatusBadGateway,
			fmt.Sprintf("hook %q is not registered", name), nil)
	}
	result, err := fn(ctx, st.hookReq, resp)
	if err != nil {
		return nil, tollbooth.NewGatewayError(tollbooth.KindHook, http.StatusBadGateway,
			fmt.Sprintf("hook %q failed", name), err)
	}
	return result, nil
}

// runErrorHook fires the onError hook. Observational only; it cannot change
// the response and its own panics are the caller's problem to avoid.
func (g *Gateway) runErrorHook(ctx context.Context, st *reqState, cause error) {
	name := hookName(st.route.Hooks.OnError, g.cfg.Hooks.OnError)
	if name == "" {
		return
	}
	fn, ok := hooks.LookupError(name)
	if !ok {
		st.log.Warn("error hook not registered", slog.String("hook", name))
		return
	}
	fn(ctx, st.hookReq, cause)
}

// fail is the single exit for pipeline errors: classify, log, fire the error
// hook, and write the JSON error surface.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, st *reqState, err error) int {
	ge := tollbooth.AsGatewayError(err)

	if ge.Status == http.StatusPaymentRequired &&
		(ge.Kind == tollbooth.KindPaymentInvalid || ge.Kind == tollbooth.KindFacilitatorDown) {
		g.metrics.Payments.WithLabelValues("rejected").Inc()
	}

	st.log.Error("request failed",
		slog.String("kind", string(ge.Kind)),
		slog.Int("status", ge.Status),
		slog.Any("error", err))
	g.runErrorHook(r.Context(), st, err)

	// 402s carry the requirements header so clients can retry with payment.
	if ge.Status == http.StatusPaymentRequired && len(st.reqs) > 0 {
		if header, encErr := encoding.EncodeRequirements(st.reqs); encErr == nil {
			w.Header().Set("payment-required", header)
		}
	}
	respondErrorJSON(w, ge.Status, ge.Message)
	return ge.Status
}
