// Package encoding provides the base64-JSON codecs for the gateway's payment
// headers: payment-signature (inbound payloads), payment-required (outbound
// requirements), and payment-response (outbound settlement receipts).
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tollbooth-dev/tollbooth"
)

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodePayment(encoded string) (tollbooth.PaymentPayload, error) {
	var payment tollbooth.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("failed to unmarshal payment: %w", err)
	}

	return payment, nil
}

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string.
func EncodePayment(payment tollbooth.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// EncodeRequirements converts a requirements list to base64-encoded JSON for
// the payment-required header.
func EncodeRequirements(requirements []tollbooth.PaymentRequirement) (string, error) {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeRequirements converts base64-encoded JSON back to a requirements list.
func DecodeRequirements(encoded string) ([]tollbooth.PaymentRequirement, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var requirements []tollbooth.PaymentRequirement
	if err := json.Unmarshal(decoded, &requirements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	return requirements, nil
}

// EncodeSettlement converts a SettlementResult to base64-encoded JSON for the
// payment-response header.
func EncodeSettlement(settlement tollbooth.SettlementResult) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to a SettlementResult.
func DecodeSettlement(encoded string) (tollbooth.SettlementResult, error) {
	var settlement tollbooth.SettlementResult

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}
