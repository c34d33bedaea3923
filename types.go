// Package tollbooth provides the core types and helpers for the tollbooth
// payment gateway: x402 payment requirements, payment payloads, settlement
// results, the supported chain table, and price-string parsing. The gateway
// pipeline itself lives in the gateway package; this package holds the pieces
// shared by every subsystem.
package tollbooth

import (
	"encoding/json"
)

// PaymentRequirement represents a single payment option offered in a 402
// response. One requirement is built per accepted payment method, in the
// order of the route's accepts list.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (always "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units, as a decimal string.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the on-chain asset identifier (token contract or mint address).
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the path of the protected resource.
	Resource string `json:"resource"`

	// Description identifies the route the requirement was built for.
	Description string `json:"description"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra carries the EIP-3009 signing domain {name, version} for EVM assets.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the decoded payment-signature header. The inner payload is
// opaque to the gateway and passed through to the settlement strategy as-is.
type PaymentPayload struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the chain-specific signed payment data, kept opaque.
	Payload json.RawMessage `json:"payload"`
}

// payerFields mirrors the two places a payer address may appear in a payload:
// payload.authorization.from (EVM EIP-3009) or a top-level from.
type payerFields struct {
	From          string `json:"from"`
	Authorization struct {
		From string `json:"from"`
	} `json:"authorization"`
}

// Payer extracts the payer address from the payload for identity and logging
// purposes. It returns an empty string when no payer field is present; the
// payload remains opaque to the gateway either way.
func (p PaymentPayload) Payer() string {
	if len(p.Payload) == 0 {
		return ""
	}
	var f payerFields
	if err := json.Unmarshal(p.Payload, &f); err != nil {
		return ""
	}
	if f.Authorization.From != "" {
		return f.Authorization.From
	}
	return f.From
}

// Verification is the result of a successful payment verification. It carries
// the requirement that verified and its 0-based position in the accepts-ordered
// requirements list.
type Verification struct {
	// Requirement is the payment requirement that verified.
	Requirement PaymentRequirement

	// RequirementIndex is the position of Requirement in the requirements list.
	RequirementIndex int

	// Payer is the payer address reported by the strategy, when known.
	Payer string

	// FromCache is true when the verification was reconstructed from the
	// verification cache instead of a live verify call.
	FromCache bool
}

// SettlementResult is the outcome of a successful settlement, surfaced to the
// client in the payment-response header.
type SettlementResult struct {
	// Payer is the address that made the payment.
	Payer string `json:"payer"`

	// Amount is the settled amount in atomic units, as a decimal string.
	Amount string `json:"amount"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the network the payment settled on.
	Network string `json:"network"`
}
