package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tinybrain/tabgate/internal/eip3009"
	"github.com/tinybrain/tabgate/internal/logging"
	"github.com/tinybrain/tabgate/internal/metrics"
	"github.com/tinybrain/tabgate/internal/syncutil"
	"github.com/tinybrain/tabgate/internal/traces"
	"github.com/tinybrain/tabgate/internal/treasury"
	"github.com/tinybrain/tabgate/internal/usdc"
	"github.com/tinybrain/tabgate/internal/validation"
)

// Verifier validates signed authorizations off-chain.
type Verifier interface {
	Verify(sa *eip3009.SignedAuthorization) (common.Address, error)
}

// Redeemer submits verified authorizations on-chain.
type Redeemer interface {
	Redeem(ctx context.Context, sa *eip3009.SignedAuthorization) (*treasury.Settlement, error)
}

// EventEmitter publishes session lifecycle events to live subscribers.
type EventEmitter interface {
	EmitSessionOpened(sessionID, wallet string, depositCents int64)
	EmitUsageRecorded(sessionID, model, reason string, costCents, totalCents int64)
	EmitSessionClosed(sessionID string, totalCents int64, txHash string)
	EmitSessionExpired(sessionID string, depositCents int64, redeemed bool)
}

// Config holds the ledger's pricing policy.
type Config struct {
	QueryCostCents  int64
	MinDepositCents int64
	IdleTimeout     time.Duration
}

// Service implements the session ledger business logic. RecordUsage,
// HasAvailableBalance, and Close for one session are serialized
// through a per-token lock; an unguarded read-then-write on the
// running total could admit a query past the deposit cap.
type Service struct {
	store    Store
	verifier Verifier
	redeemer Redeemer
	events   EventEmitter
	sweeper  *Sweeper
	cfg      Config
	locks    syncutil.ShardedMutex
}

// NewService creates a new session ledger service.
func NewService(store Store, verifier Verifier, redeemer Redeemer, cfg Config) *Service {
	if cfg.QueryCostCents <= 0 {
		cfg.QueryCostCents = 1
	}
	if cfg.MinDepositCents <= 0 {
		cfg.MinDepositCents = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Service{
		store:    store,
		verifier: verifier,
		redeemer: redeemer,
		cfg:      cfg,
	}
}

// WithEvents adds a live event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithSweeper attaches the idle sweeper restarted on each open.
func (s *Service) WithSweeper(sw *Sweeper) *Service {
	s.sweeper = sw
	return s
}

// QueryCostCents returns the per-query price.
func (s *Service) QueryCostCents() int64 { return s.cfg.QueryCostCents }

// Open validates a deposit authorization and creates an active
// session for the wallet.
func (s *Service) Open(ctx context.Context, req OpenRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Open",
		traces.Wallet(req.WalletAddress),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if req.Deposit == nil {
		return nil, ErrSettlementRequired
	}

	depositCents := usdc.BaseUnitsToCents(req.Deposit.Value)
	if depositCents < s.cfg.MinDepositCents {
		return nil, fmt.Errorf("%w: %d cents, minimum is %d", ErrDepositTooSmall, depositCents, s.cfg.MinDepositCents)
	}

	signer, err := s.verifier.Verify(req.Deposit)
	if err != nil {
		return nil, err
	}
	if !eip3009.SameAddress(signer.Hex(), req.WalletAddress) {
		return nil, ErrWalletMismatch
	}

	now := time.Now()
	sess := &Session{
		ID:             generateSessionID(),
		Token:          generateToken(),
		WalletAddress:  validation.SanitizeAddress(req.WalletAddress),
		Deposit:        req.Deposit,
		DepositCents:   depositCents,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	sessionsOpened.Inc()
	depositAmount.Observe(float64(depositCents))
	metrics.ActiveSessions.Inc()

	if s.sweeper != nil {
		s.sweeper.EnsureRunning()
	}
	if s.events != nil {
		go s.events.EmitSessionOpened(sess.ID, sess.WalletAddress, depositCents)
	}

	logging.L(ctx).Info("session opened",
		"sessionId", sess.ID, "wallet", sess.WalletAddress, "depositCents", depositCents)

	return sess, nil
}

// MaxQueries returns how many queries a deposit admits at the current
// per-query price.
func (s *Service) MaxQueries(depositCents int64) int64 {
	return depositCents / s.cfg.QueryCostCents
}

// RecordUsage appends a usage entry for one billed query. Fails unless
// the session is active.
func (s *Service) RecordUsage(ctx context.Context, token, model string, costCents int64, reason string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.RecordUsage",
		traces.Model(model),
		traces.CostCents(costCents),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(token)
	defer unlock()

	sess, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive {
		return ErrSessionNotActive
	}

	now := time.Now()
	entry := UsageEntry{
		Model:            model,
		CostCents:        costCents,
		EscalationReason: reason,
		Timestamp:        now,
	}
	newTotal := sess.TotalCostCents + costCents
	if newTotal > sess.DepositCents {
		return ErrInsufficientBalance
	}

	if err := s.store.AppendUsage(ctx, sess.ID, entry, newTotal, now); err != nil {
		return fmt.Errorf("session: recording usage: %w", err)
	}

	usageRecorded.WithLabelValues(model, reason).Inc()

	if s.events != nil {
		go s.events.EmitUsageRecorded(sess.ID, model, reason, costCents, newTotal)
	}
	return nil
}

// HasAvailableBalance reports whether the session can admit one more
// query: the next query may bring usage exactly to the deposit cap but
// never beyond it.
func (s *Service) HasAvailableBalance(ctx context.Context, token string) (bool, error) {
	unlock := s.locks.Lock(token)
	defer unlock()

	sess, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return false, err
	}
	if sess.Status != StatusActive {
		return false, ErrSessionNotActive
	}
	return sess.TotalCostCents+s.cfg.QueryCostCents <= sess.DepositCents, nil
}

// Get returns the session for a token.
func (s *Service) Get(ctx context.Context, token string) (*Session, error) {
	return s.store.GetByToken(ctx, token)
}

// SessionUsageCents returns the running total charged to a session.
func (s *Service) SessionUsageCents(ctx context.Context, token string) (int64, error) {
	sess, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return 0, err
	}
	return sess.TotalCostCents, nil
}

// Close settles tracked usage and finishes the session. With zero
// usage the close is free and needs no settlement authorization.
// Otherwise the settlement must be signed by the session's wallet,
// payable to the treasury, and carry exactly the tracked usage; it is
// redeemed on-chain before the session transitions, so a failed
// redemption leaves the session active and the close retryable.
func (s *Service) Close(ctx context.Context, token string, settlement *eip3009.SignedAuthorization) (_ *Receipt, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Close")
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(token)
	defer unlock()

	sess, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return nil, ErrSessionNotActive
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	var txHash string
	if sess.TotalCostCents > 0 {
		if settlement == nil {
			return nil, ErrSettlementRequired
		}

		expected := usdc.CentsToBaseUnits(sess.TotalCostCents)
		if settlement.Value.Cmp(expected) != 0 {
			return nil, fmt.Errorf("%w: got %s units, tracked usage is %s",
				ErrSettlementMismatch, settlement.Value, expected)
		}

		signer, err := s.verifier.Verify(settlement)
		if err != nil {
			return nil, err
		}
		if !eip3009.SameAddress(signer.Hex(), sess.WalletAddress) {
			return nil, ErrWalletMismatch
		}

		result, err := s.redeemer.Redeem(ctx, settlement)
		if err != nil {
			metrics.SettlementsTotal.WithLabelValues("close", "failure").Inc()
			return nil, fmt.Errorf("%w: %v", ErrRedemptionFailed, err)
		}
		txHash = result.TxHash
		metrics.SettlementsTotal.WithLabelValues("close", "success").Inc()
	}

	now := time.Now()
	sess.Status = StatusClosed
	sess.ClosedAt = &now
	sess.LastActivityAt = now
	sess.SettlementTx = txHash
	if err := s.store.Update(ctx, sess); err != nil {
		// Funds already moved; surface loudly rather than retry.
		logging.L(ctx).Error("session settled on-chain but status update failed",
			"sessionId", sess.ID, "tx", txHash, "error", err)
		return nil, fmt.Errorf("session: finalizing close: %w", err)
	}

	sessionsClosed.WithLabelValues(string(StatusClosed)).Inc()
	sessionDuration.Observe(now.Sub(sess.CreatedAt).Seconds())
	metrics.ActiveSessions.Dec()

	if s.events != nil {
		go s.events.EmitSessionClosed(sess.ID, sess.TotalCostCents, txHash)
	}

	logging.L(ctx).Info("session closed",
		"sessionId", sess.ID, "totalCostCents", sess.TotalCostCents, "tx", txHash)

	return s.buildReceipt(sess, now, txHash), nil
}

// Expire transitions an idle session to expired and redeems its full
// deposit. Called by the sweeper; the status check and the settlement
// decision happen under the same lock so a concurrent user close is
// never double-settled.
func (s *Service) Expire(ctx context.Context, token string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Expire")
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(token)
	defer unlock()

	sess, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive {
		// Closed by the user between sweep ticks.
		return nil
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	now := time.Now()
	sess.Status = StatusExpired
	sess.ClosedAt = &now
	sess.LastActivityAt = now
	if err := s.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("session: marking expired: %w", err)
	}

	sessionsClosed.WithLabelValues(string(StatusExpired)).Inc()
	sessionDuration.Observe(now.Sub(sess.CreatedAt).Seconds())
	metrics.ActiveSessions.Dec()

	// The user never produced an exact-usage settlement, so the full
	// deposit is forfeited. An already-lapsed deposit window means no
	// recovery is possible at all.
	redeemed := false
	if time.Now().Unix() >= sess.Deposit.ValidBefore {
		metrics.SettlementsTotal.WithLabelValues("sweep", "expired_authorization").Inc()
		logging.L(ctx).Error("unresolved loss: deposit authorization lapsed before sweep",
			"sessionId", sess.ID, "wallet", sess.WalletAddress,
			"depositCents", sess.DepositCents, "usedCents", sess.TotalCostCents)
	} else if result, err := s.redeemer.Redeem(ctx, sess.Deposit); err != nil {
		metrics.SettlementsTotal.WithLabelValues("sweep", "failure").Inc()
		logging.L(ctx).Error("sweep redemption failed",
			"sessionId", sess.ID, "wallet", sess.WalletAddress,
			"depositCents", sess.DepositCents, "error", err)
	} else {
		redeemed = true
		metrics.SettlementsTotal.WithLabelValues("sweep", "success").Inc()
		logging.L(ctx).Info("idle session swept, deposit redeemed",
			"sessionId", sess.ID, "depositCents", sess.DepositCents, "tx", result.TxHash)
	}

	if s.events != nil {
		go s.events.EmitSessionExpired(sess.ID, sess.DepositCents, redeemed)
	}
	return nil
}

// SweepIdle expires every session idle past the configured timeout.
// Returns how many were expired.
func (s *Service) SweepIdle(ctx context.Context) (int, error) {
	idle, err := s.store.ListIdle(ctx, time.Now().Add(-s.cfg.IdleTimeout), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range idle {
		if err := s.Expire(ctx, sess.Token); err != nil {
			logging.L(ctx).Warn("failed to expire idle session",
				"sessionId", sess.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ActiveCount returns the number of active sessions.
func (s *Service) ActiveCount(ctx context.Context) (int, error) {
	return s.store.CountActive(ctx)
}

func (s *Service) buildReceipt(sess *Session, closedAt time.Time, txHash string) *Receipt {
	perModel := make(map[string]*ModelUsage)
	order := make([]string, 0, 2)
	for _, e := range sess.Usage {
		mu, ok := perModel[e.Model]
		if !ok {
			mu = &ModelUsage{Model: e.Model}
			perModel[e.Model] = mu
			order = append(order, e.Model)
		}
		mu.Count++
		mu.TotalCostCents += e.CostCents
	}

	breakdown := make([]ModelUsage, 0, len(order))
	for _, model := range order {
		breakdown = append(breakdown, *perModel[model])
	}

	return &Receipt{
		SessionID:               sess.ID,
		DurationSeconds:         int64(closedAt.Sub(sess.CreatedAt).Seconds()),
		QueryCount:              len(sess.Usage),
		Breakdown:               breakdown,
		TotalCostCents:          sess.TotalCostCents,
		DepositCents:            sess.DepositCents,
		SettlementTransactionID: txHash,
	}
}
