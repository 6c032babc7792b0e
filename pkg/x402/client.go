package x402

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tinybrain/tabgate/internal/eip3009"
)

// chainIDs maps x402 network names to EVM chain ids.
var chainIDs = map[string]int64{
	"base":         8453,
	"base-sepolia": 84532,
}

// ChainID resolves an x402 network name. Returns false for networks this
// client cannot sign for.
func ChainID(network string) (int64, bool) {
	id, ok := chainIDs[network]
	return id, ok
}

// Network is the inverse of ChainID.
func Network(chainID int64) (string, bool) {
	for name, id := range chainIDs {
		if id == chainID {
			return name, true
		}
	}
	return "", false
}

// Client wraps http.Client with automatic 402 handling: when a request
// comes back 402 it signs an EIP-3009 authorization for the required
// amount and retries once with the X-PAYMENT header attached.
type Client struct {
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	from       common.Address

	// MaxPaymentUnits caps what a single 402 may demand, in asset base
	// units. Nil means no cap.
	MaxPaymentUnits *big.Int

	// OnPayment is called after a payment envelope is constructed,
	// before the retried request is sent.
	OnPayment func(req *PaymentRequirements, payload *PaymentPayload)
}

// NewClient creates an x402-paying client from a hex-encoded private key.
func NewClient(privateKeyHex string) (*Client, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("x402: invalid private key: %w", err)
	}
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the address payments are signed from.
func (c *Client) Address() common.Address {
	return c.from
}

// WithHTTPClient replaces the underlying transport.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Do performs the request, paying one 402 challenge if the server issues
// one. The request body, if any, is buffered so the request can be
// re-sent with payment attached.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("x402: buffering request body: %w", err)
		}
	}
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	required, err := ParseRequired(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	payload, err := c.buildPayment(required)
	if err != nil {
		return nil, err
	}
	header, err := EncodePayment(payload)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	retry.Header.Set(PaymentHeader, header)

	return c.httpClient.Do(retry)
}

// buildPayment picks the first requirement this client can satisfy and
// signs an authorization for it.
func (c *Client) buildPayment(required *RequiredResponse) (*PaymentPayload, error) {
	for i := range required.Accepts {
		req := &required.Accepts[i]
		if req.Scheme != SchemeExact {
			continue
		}
		chainID, ok := ChainID(req.Network)
		if !ok {
			continue
		}

		amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("x402: unparseable amount %q", req.MaxAmountRequired)
		}
		if c.MaxPaymentUnits != nil && amount.Cmp(c.MaxPaymentUnits) > 0 {
			return nil, fmt.Errorf("x402: required amount %s exceeds cap %s", amount, c.MaxPaymentUnits)
		}

		timeout := req.MaxTimeoutSeconds
		if timeout <= 0 {
			timeout = 300
		}
		nonce, err := eip3009.NewNonce()
		if err != nil {
			return nil, fmt.Errorf("x402: generating nonce: %w", err)
		}

		now := time.Now().Unix()
		auth := eip3009.Authorization{
			From:        c.from,
			To:          common.HexToAddress(req.PayTo),
			Value:       amount,
			ValidAfter:  now - 60,
			ValidBefore: now + timeout,
			Nonce:       nonce,
		}

		domain := eip3009.USDCDomain(chainID, common.HexToAddress(req.Asset))
		sig, err := domain.Sign(auth, c.key)
		if err != nil {
			return nil, fmt.Errorf("x402: signing authorization: %w", err)
		}

		payload := &PaymentPayload{
			X402Version: Version,
			Scheme:      SchemeExact,
			Network:     req.Network,
			Payload: ExactPayload{
				Signature:     hexutil.Encode(sig),
				Authorization: auth,
			},
		}
		if c.OnPayment != nil {
			c.OnPayment(req, payload)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("x402: no acceptable payment requirements offered")
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[:2] == "0x" {
		return s[2:]
	}
	return s
}
