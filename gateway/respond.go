package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/encoding"
	"github.com/tollbooth-dev/tollbooth/router"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeBody(w, v)
}

func writeBody(w http.ResponseWriter, v any) {
	switch b := v.(type) {
	case []byte:
		w.Write(b)
	case string:
		w.Write([]byte(b))
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return
		}
		w.Write(enc)
	}
}

// respondPaymentRequired writes the 402 surface: the accepts body plus the
// payment-required header carrying the same requirements base64-JSON encoded,
// so the header round-trips to the body's requirements.
func respondPaymentRequired(w http.ResponseWriter, reqs []tollbooth.PaymentRequirement) {
	if header, err := encoding.EncodeRequirements(reqs); err == nil {
		w.Header().Set("payment-required", header)
	}

	accepts := make([]map[string]tollbooth.PaymentRequirement, len(reqs))
	for i, r := range reqs {
		accepts[i] = map[string]tollbooth.PaymentRequirement{"paymentRequirements": r}
	}
	writeJSON(w, http.StatusPaymentRequired, map[string]any{"accepts": accepts})
}

// respondNotFound writes the 404 diagnostic: the patterns checked and, when
// one clears the distance gate, a closest-match suggestion.
func respondNotFound(w http.ResponseWriter, method, path string, miss *router.NoMatch) {
	body := map[string]any{
		"error":   fmt.Sprintf("no route for %s %s", method, path),
		"checked": miss.Checked,
	}
	if miss.Suggestion != "" {
		body["suggestion"] = miss.Suggestion
	}
	writeJSON(w, http.StatusNotFound, body)
}

func respondErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
