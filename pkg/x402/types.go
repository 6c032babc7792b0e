// Package x402 implements the x402 payment protocol: the wire types a
// server returns with 402 Payment Required, the payment envelope a client
// sends back in the X-PAYMENT header, and an HTTP client that constructs
// that envelope automatically by signing EIP-3009 transfer authorizations.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tinybrain/tabgate/internal/eip3009"
)

// Version is the x402 protocol version this package speaks.
const Version = 1

// SchemeExact is the only payment scheme supported: a signed EIP-3009
// authorization for the exact amount required.
const SchemeExact = "exact"

// Header names defined by the protocol.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes one acceptable way to pay for a resource.
// Amounts are denominated in the asset's base units as a decimal string.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// RequiredResponse is the JSON body of a 402 response.
type RequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ExactPayload carries a signed transfer authorization for the exact scheme.
type ExactPayload struct {
	Signature     string                `json:"signature"`
	Authorization eip3009.Authorization `json:"authorization"`
}

// PaymentPayload is the envelope a client sends in the X-PAYMENT header,
// base64-encoded JSON.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// SettleResponse is attached by servers in the X-PAYMENT-RESPONSE header
// after synchronous settlement.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SignedAuthorization extracts the EIP-3009 authorization and signature
// from the payload in the form the verifier and treasury consume.
func (p *PaymentPayload) SignedAuthorization() (*eip3009.SignedAuthorization, error) {
	sig, err := decodeHex(p.Payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("x402: invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("x402: signature must be 65 bytes, got %d", len(sig))
	}
	return &eip3009.SignedAuthorization{
		Authorization: p.Payload.Authorization,
		Signature:     sig,
	}, nil
}

// EncodePayment serializes a payment payload for the X-PAYMENT header.
func EncodePayment(p *PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: encoding payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(header string) (*PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("x402: header is not valid base64: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("x402: header is not valid payment JSON: %w", err)
	}
	if p.X402Version != Version {
		return nil, fmt.Errorf("x402: unsupported protocol version %d", p.X402Version)
	}
	if p.Scheme != SchemeExact {
		return nil, fmt.Errorf("x402: unsupported scheme %q", p.Scheme)
	}
	return &p, nil
}

// EncodeSettleResponse serializes a settlement result for the
// X-PAYMENT-RESPONSE header.
func EncodeSettleResponse(r *SettleResponse) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("x402: encoding settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseRequired extracts the payment requirements from a 402 response.
// The response body is consumed.
func ParseRequired(resp *http.Response) (*RequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("x402: reading 402 body: %w", err)
	}
	var required RequiredResponse
	if err := json.Unmarshal(body, &required); err != nil {
		return nil, fmt.Errorf("x402: parsing 402 body: %w", err)
	}
	return &required, nil
}

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
