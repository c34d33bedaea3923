// Package hooks defines the gateway's extension points and their registry.
//
// Hooks are compiled into the binary and referenced from config by registered
// name; the registry is write-once per name and safe for concurrent readers.
// Route-level hook names take precedence over global ones.
package hooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// Request carries the request-scoped state a hook may inspect. Fields are
// populated progressively: Price and Payer are empty before price resolution
// and verification respectively.
type Request struct {
	Method   string
	Path     string
	RouteKey string
	Params   map[string]string
	Query    url.Values
	Headers  http.Header

	// Body is the parsed JSON body, nil when absent or unparseable.
	Body any

	// RawBody is the buffered request body, nil when buffering was not needed.
	RawBody []byte

	// Identity is the rate-limit identity ("payer:0x..." or "ip:1.2.3.4").
	Identity string

	// Price is the resolved price string, set from onPriceResolved onward.
	Price string

	// Payer is the verified payer address, set from onSettled onward.
	Payer string
}

// Rejection is a terminal response requested by a request-stage hook.
type Rejection struct {
	Status int
	Body   any
}

// RequestFunc runs at the onRequest, onPriceResolved, and onSettled stages.
// Returning a non-nil Rejection short-circuits the pipeline with the given
// status; returning (nil, nil) lets the request proceed.
type RequestFunc func(ctx context.Context, req *Request) (*Rejection, error)

// Response describes the upstream response as seen by the onResponse hook.
type Response struct {
	Status  int
	Headers http.Header

	// UpstreamErr is non-nil in after-response mode when the upstream
	// connection itself failed.
	UpstreamErr error
}

// Override replaces the upstream response body and status.
type Override struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// SettlementDecision overrides the default after-response settle rule.
type SettlementDecision struct {
	Settle bool
	Reason string
}

// ResponseResult is what an onResponse hook may return: a response override,
// a settlement decision (after-response mode only), or neither. When both are
// set the override is applied and the default settle rule is used, matching
// the override-wins contract.
type ResponseResult struct {
	Override *Override
	Decision *SettlementDecision
}

// ResponseFunc runs at the onResponse stage.
type ResponseFunc func(ctx context.Context, req *Request, resp *Response) (*ResponseResult, error)

// ErrorFunc runs at the onError stage. It is observational only; its own
// errors are logged and discarded.
type ErrorFunc func(ctx context.Context, req *Request, err error)

var (
	mu            sync.RWMutex
	requestHooks  = map[string]RequestFunc{}
	responseHooks = map[string]ResponseFunc{}
	errorHooks    = map[string]ErrorFunc{}
)

// RegisterRequest registers a request-stage hook under name. Registering the
// same name twice panics; registration happens once at init time.
func RegisterRequest(name string, fn RequestFunc) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := requestHooks[name]; dup {
		panic(fmt.Sprintf("hooks: RegisterRequest called twice for %q", name))
	}
	requestHooks[name] = fn
}

// RegisterResponse registers an onResponse hook under name.
func RegisterResponse(name string, fn ResponseFunc) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := responseHooks[name]; dup {
		panic(fmt.Sprintf("hooks: RegisterResponse called twice for %q", name))
	}
	responseHooks[name] = fn
}

// RegisterError registers an onError hook under name.
func RegisterError(name string, fn ErrorFunc) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := errorHooks[name]; dup {
		panic(fmt.Sprintf("hooks: RegisterError called twice for %q", name))
	}
	errorHooks[name] = fn
}

// LookupRequest looks up a registered request-stage hook.
func LookupRequest(name string) (RequestFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := requestHooks[name]
	return fn, ok
}

// LookupResponse looks up a registered onResponse hook.
func LookupResponse(name string) (ResponseFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := responseHooks[name]
	return fn, ok
}

// LookupError looks up a registered onError hook.
func LookupError(name string) (ErrorFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := errorHooks[name]
	return fn, ok
}
