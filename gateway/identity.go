package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/tollbooth-dev/tollbooth"
)

// identity derives the rate-limit and session identity for a request:
// "payer:<address>" when the payment payload names a payer, else
// "ip:<addr>" from the trust-proxy resolution.
func (g *Gateway) identity(r *http.Request, payload *tollbooth.PaymentPayload) string {
	if payload != nil {
		if payer := payerAddress(*payload); payer != "" {
			return "payer:" + payer
		}
	}
	return "ip:" + g.ips.ClientIP(r)
}

// payerAddress pulls the payer out of a decoded payment payload. EVM payloads
// carry it in authorization.from; SVM payloads carry a serialized transaction
// whose fee payer is the first account key.
func payerAddress(p tollbooth.PaymentPayload) string {
	if payer := p.Payer(); payer != "" {
		return payer
	}
	if isSVMNetwork(p.Network) {
		return svmFeePayer(p.Payload)
	}
	return ""
}

func isSVMNetwork(network string) bool {
	return strings.HasPrefix(strings.ToLower(network), "solana")
}

func svmFeePayer(payload json.RawMessage) string {
	var f struct {
		Transaction string `json:"transaction"`
	}
	if err := json.Unmarshal(payload, &f); err != nil || f.Transaction == "" {
		return ""
	}
	tx, err := solana.TransactionFromBase64(f.Transaction)
	if err != nil || len(tx.Message.AccountKeys) == 0 {
		return ""
	}
	return tx.Message.AccountKeys[0].String()
}
