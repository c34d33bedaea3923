// Package payment builds x402 payment requirements and verifies/settles
// payments through pluggable settlement strategies. The default strategy
// talks to facilitator services over HTTP; custom strategies register by name
// and are selected in config.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tollbooth-dev/tollbooth"
)

// Target pairs one payment requirement with the facilitator resolved for its
// network/asset. Strategies attempt targets in order; the slice order mirrors
// the accepts list.
type Target struct {
	Requirement    tollbooth.PaymentRequirement
	FacilitatorURL string
}

// Strategy verifies and settles payments. Implementations must be safe for
// concurrent use; one Verify and at most one Settle run per request.
type Strategy interface {
	// Verify attempts each target in order and returns the first successful
	// verification, carrying the matched target index. When every target
	// fails, the most recent failure is surfaced.
	Verify(ctx context.Context, payload tollbooth.PaymentPayload, targets []Target) (*tollbooth.Verification, error)

	// Settle executes the verified payment exactly once. The target is the
	// one the verification matched.
	Settle(ctx context.Context, payload tollbooth.PaymentPayload, target Target, v *tollbooth.Verification) (*tollbooth.SettlementResult, error)
}

// FacilitatorStrategy is the default Strategy: POST /verify and POST /settle
// against the facilitator resolved per target.
type FacilitatorStrategy struct {
	// HTTPClient is shared by all facilitator calls. Defaults to a plain
	// http.Client; per-call deadlines come from the request context.
	HTTPClient *http.Client

	// Auth provides the outbound Authorization header value, when configured.
	Auth AuthProvider

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFacilitatorStrategy builds the default strategy.
func NewFacilitatorStrategy(httpClient *http.Client, auth AuthProvider) *FacilitatorStrategy {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &FacilitatorStrategy{
		HTTPClient: httpClient,
		Auth:       auth,
		clients:    map[string]*Client{},
	}
}

func (s *FacilitatorStrategy) client(baseURL string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[baseURL]; ok {
		return c
	}
	c := &Client{BaseURL: baseURL, HTTPClient: s.HTTPClient, Auth: s.Auth}
	s.clients[baseURL] = c
	return c
}

// Verify implements Strategy.
func (s *FacilitatorStrategy) Verify(ctx context.Context, payload tollbooth.PaymentPayload, targets []Target) (*tollbooth.Verification, error) {
	var lastReject string
	var lastErr error

	for i, t := range targets {
		resp, err := s.client(t.FacilitatorURL).Verify(ctx, payload, t.Requirement)
		if err != nil {
			lastErr = err
			lastReject = ""
			continue
		}
		if !resp.IsValid {
			lastReject = resp.InvalidReason
			lastErr = nil
			continue
		}
		return &tollbooth.Verification{
			Requirement:      t.Requirement,
			RequirementIndex: i,
			Payer:            resp.Payer,
		}, nil
	}

	if lastErr != nil {
		return nil, tollbooth.NewGatewayError(tollbooth.KindFacilitatorDown, http.StatusPaymentRequired,
			"payment verification unavailable", lastErr)
	}
	msg := "payment rejected"
	if lastReject != "" {
		msg = fmt.Sprintf("payment rejected: %s", lastReject)
	}
	return nil, tollbooth.NewGatewayError(tollbooth.KindPaymentInvalid, http.StatusPaymentRequired,
		msg, tollbooth.ErrVerificationFailed)
}

// Settle implements Strategy.
func (s *FacilitatorStrategy) Settle(ctx context.Context, payload tollbooth.PaymentPayload, target Target, v *tollbooth.Verification) (*tollbooth.SettlementResult, error) {
	resp, err := s.client(target.FacilitatorURL).Settle(ctx, payload, target.Requirement)
	if err != nil {
		return nil, tollbooth.NewGatewayError(tollbooth.KindFacilitatorDown, http.StatusBadGateway,
			"settlement unavailable", err)
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		return nil, tollbooth.NewGatewayError(tollbooth.KindPaymentSettleFailed, http.StatusBadGateway,
			reason, tollbooth.ErrSettlementFailed)
	}

	payer := resp.Payer
	if payer == "" {
		payer = v.Payer
	}
	return &tollbooth.SettlementResult{
		Payer:       payer,
		Amount:      target.Requirement.MaxAmountRequired,
		Transaction: resp.Transaction,
		Network:     resp.Network,
	}, nil
}

var (
	strategyMu sync.RWMutex
	strategies = map[string]Strategy{}
)

// RegisterStrategy registers a custom settlement strategy under name; config
// selects it with settlement: {strategy: custom, name: ...}. Registering a
// name twice panics.
func RegisterStrategy(name string, s Strategy) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	if _, dup := strategies[name]; dup {
		panic(fmt.Sprintf("payment: RegisterStrategy called twice for %q", name))
	}
	strategies[name] = s
}

// LookupStrategy returns a registered custom strategy.
func LookupStrategy(name string) (Strategy, error) {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	s, ok := strategies[name]
	if !ok {
		return nil, errors.New("payment: no strategy registered as " + name)
	}
	return s, nil
}
