package tollbooth

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across packages.

var (
	// ErrInvalidPrice indicates a price string that cannot be parsed.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrMalformedHeader indicates the payment-signature header is malformed.
	ErrMalformedHeader = errors.New("malformed payment header")

	// ErrInvalidWindow indicates a rate-limit window string that is not /^\d+[smhd]$/.
	ErrInvalidWindow = errors.New("invalid window")

	// ErrFacilitatorUnavailable indicates a facilitator network failure.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrVerificationFailed indicates every facilitator rejected the payment.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrSettlementFailed indicates the facilitator settle call failed.
	ErrSettlementFailed = errors.New("settlement failed")
)

// ErrorKind classifies a gateway failure per the error taxonomy. The kind
// decides the HTTP surface and which metrics counter is incremented.
type ErrorKind string

const (
	KindRouteNotFound       ErrorKind = "route_not_found"
	KindBadRequest          ErrorKind = "bad_request"
	KindPaymentMissing      ErrorKind = "payment_missing"
	KindPaymentInvalid      ErrorKind = "payment_invalid"
	KindPaymentSettleFailed ErrorKind = "payment_settle_failed"
	KindFacilitatorDown     ErrorKind = "facilitator_unreachable"
	KindUpstreamTimeout     ErrorKind = "upstream_timeout"
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"
	KindRateLimited         ErrorKind = "rate_limited"
	KindConfig              ErrorKind = "config_error"
	KindHook                ErrorKind = "hook_error"
	KindInternal            ErrorKind = "internal"
)

// GatewayError is the gateway's terminal error: a taxonomy kind, the HTTP
// status to surface, a client-safe message, and the wrapped cause.
type GatewayError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError builds a GatewayError. A zero status defaults to 502.
func NewGatewayError(kind ErrorKind, status int, message string, err error) *GatewayError {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return &GatewayError{Kind: kind, Status: status, Message: message, Err: err}
}

// AsGatewayError unwraps err to a GatewayError, or wraps it as an internal
// 502 when it is not one.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewGatewayError(KindInternal, http.StatusBadGateway, err.Error(), err)
}
