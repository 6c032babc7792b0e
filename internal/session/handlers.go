package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinybrain/tabgate/internal/eip3009"
	"github.com/tinybrain/tabgate/internal/validation"
)

// SessionTokenHeader carries the opaque session credential on metered
// calls.
const SessionTokenHeader = "X-Session-Token"

// Handler provides HTTP endpoints for the session ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/session/open", h.OpenSession)
	r.POST("/session/close", h.CloseSession)
	r.GET("/session", h.GetSession)
}

// OpenSession handles POST /v1/session/open
func (h *Handler) OpenSession(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "walletAddress and depositAuthorization are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("walletAddress", req.WalletAddress),
		validation.ValidAddress("walletAddress", req.WalletAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sess, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "open_failed"
		switch {
		case errors.Is(err, ErrActiveSessionExists):
			status = http.StatusConflict
			code = "session_exists"
		case errors.Is(err, ErrDepositTooSmall),
			errors.Is(err, eip3009.ErrExpired),
			errors.Is(err, eip3009.ErrNotYetValid),
			errors.Is(err, eip3009.ErrWrongPayee):
			status = http.StatusBadRequest
			code = "invalid_deposit"
		case errors.Is(err, ErrWalletMismatch),
			errors.Is(err, eip3009.ErrSignerMismatch),
			errors.Is(err, eip3009.ErrBadSignature),
			errors.Is(err, eip3009.ErrInvalidSignature):
			status = http.StatusUnauthorized
			code = "invalid_signature"
		case errors.Is(err, ErrSettlementRequired):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId":    sess.ID,
		"sessionToken": sess.Token,
		"depositCents": sess.DepositCents,
		"maxQueries":   h.service.MaxQueries(sess.DepositCents),
	})
}

// CloseSession handles POST /v1/session/close
func (h *Handler) CloseSession(c *gin.Context) {
	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sessionToken is required",
		})
		return
	}

	receipt, err := h.service.Close(c.Request.Context(), req.SessionToken, req.Settlement)
	if err != nil {
		status := http.StatusInternalServerError
		code := "close_failed"
		switch {
		case errors.Is(err, ErrSessionNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrSessionNotActive):
			status = http.StatusConflict
			code = "session_finished"
		case errors.Is(err, ErrSettlementRequired), errors.Is(err, ErrSettlementMismatch),
			errors.Is(err, eip3009.ErrExpired),
			errors.Is(err, eip3009.ErrNotYetValid),
			errors.Is(err, eip3009.ErrWrongPayee):
			status = http.StatusBadRequest
			code = "invalid_settlement"
		case errors.Is(err, ErrWalletMismatch),
			errors.Is(err, eip3009.ErrSignerMismatch),
			errors.Is(err, eip3009.ErrBadSignature),
			errors.Is(err, eip3009.ErrInvalidSignature):
			status = http.StatusUnauthorized
			code = "invalid_signature"
		case errors.Is(err, ErrRedemptionFailed):
			status = http.StatusInternalServerError
			code = "settlement_failed"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// GetSession handles GET /v1/session
func (h *Handler) GetSession(c *gin.Context) {
	token := c.GetHeader(SessionTokenHeader)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_token",
			"message": "X-Session-Token header is required",
		})
		return
	}

	sess, err := h.service.Get(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":        sess,
		"remainingCents": sess.DepositCents - sess.TotalCostCents,
	})
}
