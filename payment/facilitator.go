package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tollbooth-dev/tollbooth"
)

// AuthProvider supplies the Authorization header value for one outbound
// facilitator request. Implementations that mint per-request tokens (CDP)
// receive the method and full request URL.
type AuthProvider func(method, requestURL string) (string, error)

// StaticAuth returns an AuthProvider that always sends the given header value.
func StaticAuth(value string) AuthProvider {
	return func(string, string) (string, error) { return value, nil }
}

// Client calls one facilitator service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Auth       AuthProvider
}

// VerifyResponse is the facilitator's answer to POST /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResponse is the facilitator's answer to POST /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

type facilitatorRequest struct {
	PaymentPayload      tollbooth.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements tollbooth.PaymentRequirement  `json:"paymentRequirements"`
}

// Verify asks the facilitator whether the payment signature is valid for the
// requirement. A non-2xx status or transport failure is an error; a rejection
// comes back as IsValid=false with a reason.
func (c *Client) Verify(ctx context.Context, payload tollbooth.PaymentPayload, req tollbooth.PaymentRequirement) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", facilitatorRequest{payload, req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to execute the payment on chain.
func (c *Client) Settle(ctx context.Context, payload tollbooth.PaymentPayload, req tollbooth.PaymentRequirement) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", facilitatorRequest{payload, req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("facilitator: encode request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("facilitator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.Auth != nil {
		auth, err := c.Auth(http.MethodPost, url)
		if err != nil {
			return fmt.Errorf("facilitator: auth: %w", err)
		}
		if auth != "" {
			httpReq.Header.Set("Authorization", auth)
		}
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, tollbooth.ErrFacilitatorUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("facilitator %s: status %d: %s: %w", path, resp.StatusCode,
			strings.TrimSpace(string(snippet)), tollbooth.ErrFacilitatorUnavailable)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator %s: decode response: %w", path, err)
	}
	return nil
}
