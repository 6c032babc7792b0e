// Package paywall gates HTTP routes behind x402 per-call payments, with a
// session bypass for callers holding an open tab.
//
// The order of checks on each request:
//
//  1. X-Session-Token, if present and backed by a session with room for
//     one more query, grants access with no payment at all.
//  2. Otherwise X-PAYMENT must carry a signed EIP-3009 authorization
//     matching the advertised requirements. Missing or invalid payment
//     gets a 402 with machine-readable requirements.
//  3. The handler runs. Settlement happens only if it succeeded
//     (status < 400); a rejected request leaves the authorization
//     unredeemed so the client can retry with the same proof.
package paywall

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/tinybrain/tabgate/internal/eip3009"
	"github.com/tinybrain/tabgate/internal/logging"
	"github.com/tinybrain/tabgate/internal/metrics"
	"github.com/tinybrain/tabgate/internal/session"
	"github.com/tinybrain/tabgate/internal/treasury"
	"github.com/tinybrain/tabgate/internal/usdc"
	"github.com/tinybrain/tabgate/pkg/x402"
)

// SettleMode selects when on-chain settlement happens relative to the
// response.
type SettleMode int

const (
	// SettleSync settles before the response body is released. Only
	// usable on buffered (non-streaming) responses.
	SettleSync SettleMode = iota
	// SettleAsync releases the response immediately and settles in the
	// background. Required for streaming responses; failures are logged
	// and never retried.
	SettleAsync
)

// Context keys set for downstream handlers.
const (
	ContextSessionToken = "paywall_session_token"
	ContextPayment      = "paywall_payment"
)

const asyncSettleTimeout = 90 * time.Second

// Verifier validates a signed authorization and returns the signer.
type Verifier interface {
	Verify(sa *eip3009.SignedAuthorization) (common.Address, error)
}

// Redeemer submits an authorization on-chain.
type Redeemer interface {
	Redeem(ctx context.Context, sa *eip3009.SignedAuthorization) (*treasury.Settlement, error)
}

// SessionGate answers whether a session token can absorb one more query.
type SessionGate interface {
	HasAvailableBalance(ctx context.Context, token string) (bool, error)
}

// Config describes the payment requirements the gate advertises.
type Config struct {
	PriceCents int64
	Network    string
	Asset      common.Address
	PayTo      common.Address
	// TimeoutSeconds bounds how long an issued requirement stays
	// payable. Defaults to 300.
	TimeoutSeconds int64
	Description    string
}

// Gate is the configured paywall. Zero value is not usable; construct
// with New.
type Gate struct {
	verifier Verifier
	redeemer Redeemer
	sessions SessionGate
	cfg      Config
}

// New creates a payment gate. sessions may be nil to disable the bypass.
func New(verifier Verifier, redeemer Redeemer, sessions SessionGate, cfg Config) *Gate {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	return &Gate{verifier: verifier, redeemer: redeemer, sessions: sessions, cfg: cfg}
}

// Requirements builds the advertised payment requirements for a resource.
func (g *Gate) Requirements(resource string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           g.cfg.Network,
		MaxAmountRequired: usdc.CentsToBaseUnits(g.cfg.PriceCents).String(),
		Resource:          resource,
		Description:       g.cfg.Description,
		MimeType:          "application/json",
		PayTo:             g.cfg.PayTo.Hex(),
		MaxTimeoutSeconds: g.cfg.TimeoutSeconds,
		Asset:             g.cfg.Asset.Hex(),
	}
}

// Middleware returns the gin middleware enforcing payment on a route.
func (g *Gate) Middleware(mode SettleMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Tab holders skip the per-call payment entirely.
		if token := c.GetHeader(session.SessionTokenHeader); token != "" && g.sessions != nil {
			ok, err := g.sessions.HasAvailableBalance(c.Request.Context(), token)
			if err == nil && ok {
				bypassesTotal.WithLabelValues("granted").Inc()
				c.Set(ContextSessionToken, token)
				c.Next()
				return
			}
			// Exhausted or unknown tab falls through to per-call payment.
			bypassesTotal.WithLabelValues("denied").Inc()
		}

		header := c.GetHeader(x402.PaymentHeader)
		if header == "" {
			g.challenge(c, "payment required")
			return
		}

		payload, err := x402.DecodePayment(header)
		if err != nil {
			paymentsTotal.WithLabelValues("malformed").Inc()
			g.challenge(c, err.Error())
			return
		}
		sa, err := g.authorize(payload)
		if err != nil {
			paymentsTotal.WithLabelValues("rejected").Inc()
			g.challenge(c, err.Error())
			return
		}
		paymentsTotal.WithLabelValues("accepted").Inc()
		c.Set(ContextPayment, payload)

		switch mode {
		case SettleSync:
			g.runBuffered(c, sa)
		default:
			g.runStreaming(c, sa)
		}
	}
}

// challenge aborts with a 402 carrying the structured requirements.
func (g *Gate) challenge(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.RequiredResponse{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{g.Requirements(c.Request.URL.Path)},
	})
}

// authorize validates the decoded payment against the gate's
// requirements and returns the signed authorization ready to settle.
func (g *Gate) authorize(payload *x402.PaymentPayload) (*eip3009.SignedAuthorization, error) {
	if payload.Network != g.cfg.Network {
		return nil, errors.New("paywall: payment is for a different network")
	}
	sa, err := payload.SignedAuthorization()
	if err != nil {
		return nil, err
	}

	required := usdc.CentsToBaseUnits(g.cfg.PriceCents)
	if sa.Value == nil || sa.Value.Cmp(required) < 0 {
		return nil, errors.New("paywall: authorized amount below required price")
	}

	if _, err := g.verifier.Verify(sa); err != nil {
		return nil, err
	}
	return sa, nil
}

// runBuffered captures the handler's response, settles, then releases
// the body with the settlement receipt header attached. A settlement
// failure replaces the success response with a 500.
func (g *Gate) runBuffered(c *gin.Context, sa *eip3009.SignedAuthorization) {
	buf := newBufferedWriter(c.Writer)
	c.Writer = buf
	c.Next()
	c.Writer = buf.ResponseWriter

	if buf.Status() >= http.StatusBadRequest {
		// Handler rejected the request; the proof stays unredeemed.
		buf.release()
		return
	}

	result, err := g.redeemer.Redeem(c.Request.Context(), sa)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("percall", "failure").Inc()
		logging.L(c.Request.Context()).Error("per-call settlement failed",
			"payer", sa.From.Hex(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settlement_failed",
			"message": "Payment could not be settled",
		})
		return
	}
	metrics.SettlementsTotal.WithLabelValues("percall", "success").Inc()

	if header, err := x402.EncodeSettleResponse(&x402.SettleResponse{
		Success:     true,
		Transaction: result.TxHash,
		Network:     g.cfg.Network,
		Payer:       sa.From.Hex(),
	}); err == nil {
		buf.Header().Set(x402.PaymentResponseHeader, header)
	}
	buf.release()
}

// runStreaming lets the handler write straight to the wire and settles
// afterwards in the background. The client already has its response, so
// a failed settlement is logged as a loss and never retried.
func (g *Gate) runStreaming(c *gin.Context, sa *eip3009.SignedAuthorization) {
	c.Next()

	if c.Writer.Status() >= http.StatusBadRequest {
		return
	}

	logger := logging.L(c.Request.Context())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncSettleTimeout)
		defer cancel()

		result, err := g.redeemer.Redeem(ctx, sa)
		if err != nil {
			metrics.SettlementsTotal.WithLabelValues("percall", "failure").Inc()
			logger.Error("fire-and-forget settlement failed, response already delivered",
				"payer", sa.From.Hex(), "error", err)
			return
		}
		metrics.SettlementsTotal.WithLabelValues("percall", "success").Inc()
		logger.Info("fire-and-forget settlement confirmed",
			"payer", sa.From.Hex(), "tx", result.TxHash)
	}()
}

// SessionToken returns the bypass token stored by the middleware, if any.
func SessionToken(c *gin.Context) string {
	if v, ok := c.Get(ContextSessionToken); ok {
		return v.(string)
	}
	return ""
}

// Payment returns the verified payment payload stored by the middleware.
func Payment(c *gin.Context) *x402.PaymentPayload {
	if v, ok := c.Get(ContextPayment); ok {
		return v.(*x402.PaymentPayload)
	}
	return nil
}
