// Package session implements the pre-funded session ledger ("bar tab").
//
// Flow:
//  1. Wallet opens a session with a signed deposit authorization
//  2. Each answered query appends a usage entry and is checked against
//     the deposit balance
//  3. Explicit close settles the exact tracked usage on-chain
//  4. Idle timeout → the sweeper expires the session and redeems the
//     full deposit
package session

import (
	"context"
	"errors"
	"time"

	"github.com/tinybrain/tabgate/internal/eip3009"
	"github.com/tinybrain/tabgate/internal/idgen"
)

var (
	ErrSessionNotFound     = errors.New("session: not found")
	ErrSessionNotActive    = errors.New("session: not active")
	ErrActiveSessionExists = errors.New("session: wallet already has an active session")
	ErrDepositTooSmall     = errors.New("session: deposit below minimum")
	ErrSettlementRequired  = errors.New("session: settlement authorization required")
	ErrSettlementMismatch  = errors.New("session: settlement value does not match tracked usage")
	ErrWalletMismatch      = errors.New("session: authorization signer does not match wallet")
	ErrInsufficientBalance = errors.New("session: deposit exhausted")
	ErrRedemptionFailed    = errors.New("session: on-chain redemption failed")
)

// Status represents the lifecycle state of a session. Transitions are
// one-way: active → closed or active → expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// DefaultIdleTimeout is how long a session may sit without activity
// before the sweeper expires it.
const DefaultIdleTimeout = 30 * time.Minute

// DefaultSweepInterval is how often the sweeper scans for idle sessions.
const DefaultSweepInterval = time.Minute

// Session is one pre-funded tab. TotalCostCents is kept denormalized
// and must always equal the sum of usage entry costs.
type Session struct {
	ID             string                       `json:"id"`
	Token          string                       `json:"-"`
	WalletAddress  string                       `json:"walletAddress"`
	Deposit        *eip3009.SignedAuthorization `json:"-"`
	DepositCents   int64                        `json:"depositCents"`
	Usage          []UsageEntry                 `json:"usage,omitempty"`
	TotalCostCents int64                        `json:"totalCostCents"`
	Status         Status                       `json:"status"`
	CreatedAt      time.Time                    `json:"createdAt"`
	LastActivityAt time.Time                    `json:"lastActivityAt"`
	ClosedAt       *time.Time                   `json:"closedAt,omitempty"`
	SettlementTx   string                       `json:"settlementTx,omitempty"`
}

// IsTerminal returns true once the session can never change again.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusClosed || s.Status == StatusExpired
}

// UsageEntry records one billed query. Append-only, never mutated.
type UsageEntry struct {
	Model            string    `json:"model"`
	CostCents        int64     `json:"costCents"`
	EscalationReason string    `json:"escalationReason"`
	Timestamp        time.Time `json:"timestamp"`
}

// ModelUsage is one row of a close receipt's per-backend breakdown.
type ModelUsage struct {
	Model          string `json:"model"`
	Count          int    `json:"count"`
	TotalCostCents int64  `json:"totalCost"`
}

// Receipt summarizes a closed session.
type Receipt struct {
	SessionID               string       `json:"sessionId"`
	DurationSeconds         int64        `json:"durationSeconds"`
	QueryCount              int          `json:"queryCount"`
	Breakdown               []ModelUsage `json:"breakdown"`
	TotalCostCents          int64        `json:"totalCostCents"`
	DepositCents            int64        `json:"depositCents"`
	SettlementTransactionID string       `json:"settlementTransactionId,omitempty"`
}

// Store persists session data.
//
// Create must atomically enforce the one-active-session-per-wallet
// invariant, returning ErrActiveSessionExists on violation.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	GetActiveByWallet(ctx context.Context, wallet string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	AppendUsage(ctx context.Context, sessionID string, e UsageEntry, newTotal int64, at time.Time) error
	ListIdle(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error)
	CountActive(ctx context.Context) (int, error)
}

// OpenRequest carries the parameters for opening a session.
type OpenRequest struct {
	WalletAddress string                       `json:"walletAddress" binding:"required"`
	Deposit       *eip3009.SignedAuthorization `json:"depositAuthorization" binding:"required"`
}

// CloseRequest carries the parameters for closing a session. The
// settlement authorization is mandatory unless tracked usage is zero.
type CloseRequest struct {
	SessionToken string                       `json:"sessionToken" binding:"required"`
	Settlement   *eip3009.SignedAuthorization `json:"settlementAuthorization"`
}

func generateSessionID() string {
	return idgen.WithPrefix("ses_")
}

// generateToken returns the opaque bearer credential presented on
// subsequent calls. Random, resolved only against the store.
func generateToken() string {
	return "tab_" + idgen.Hex(24)
}
