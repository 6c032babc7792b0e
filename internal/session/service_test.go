package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tinybrain/tabgate/internal/eip3009"
	"github.com/tinybrain/tabgate/internal/treasury"
)

var (
	testDomain   = eip3009.USDCDomain(8453, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
	treasuryAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// fakeRedeemer records redemptions without touching a chain.
type fakeRedeemer struct {
	mu    sync.Mutex
	err   error
	calls []*eip3009.SignedAuthorization
}

func (f *fakeRedeemer) Redeem(_ context.Context, sa *eip3009.SignedAuthorization) (*treasury.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, sa)
	return &treasury.Settlement{TxHash: "0xfeed", From: sa.From.Hex(), ValueUnits: sa.Value}, nil
}

func (f *fakeRedeemer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *fakeRedeemer) {
	t.Helper()
	store := NewMemoryStore()
	redeemer := &fakeRedeemer{}
	svc := NewService(store, eip3009.NewVerifier(testDomain, treasuryAddr), redeemer, Config{
		QueryCostCents:  1,
		MinDepositCents: 10,
		IdleTimeout:     DefaultIdleTimeout,
	})
	return svc, store, redeemer
}

func signAuth(t *testing.T, key *ecdsa.PrivateKey, to common.Address, cents int64, validBefore int64) *eip3009.SignedAuthorization {
	t.Helper()
	nonce, err := eip3009.NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	auth := eip3009.Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          to,
		Value:       new(big.Int).Mul(big.NewInt(cents), big.NewInt(10_000)),
		ValidAfter:  time.Now().Unix() - 60,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	sig, err := testDomain.Sign(auth, key)
	if err != nil {
		t.Fatal(err)
	}
	return &eip3009.SignedAuthorization{Authorization: auth, Signature: sig}
}

func openSession(t *testing.T, svc *Service, key *ecdsa.PrivateKey, depositCents int64) *Session {
	t.Helper()
	deposit := signAuth(t, key, treasuryAddr, depositCents, time.Now().Unix()+3600)
	sess, err := svc.Open(context.Background(), OpenRequest{
		WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Deposit:       deposit,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sess
}

func TestOpen_Success(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()

	sess := openSession(t, svc, key, 50)

	if sess.Status != StatusActive {
		t.Errorf("Status = %s, want active", sess.Status)
	}
	if sess.DepositCents != 50 {
		t.Errorf("DepositCents = %d, want 50", sess.DepositCents)
	}
	if sess.Token == "" || sess.ID == "" {
		t.Error("Expected token and id to be set")
	}
	if got := svc.MaxQueries(sess.DepositCents); got != 50 {
		t.Errorf("MaxQueries = %d, want 50", got)
	}
}

func TestOpen_BelowMinimum(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()

	deposit := signAuth(t, key, treasuryAddr, 5, time.Now().Unix()+3600)
	_, err := svc.Open(context.Background(), OpenRequest{
		WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Deposit:       deposit,
	})
	if !errors.Is(err, ErrDepositTooSmall) {
		t.Errorf("Expected ErrDepositTooSmall, got %v", err)
	}
}

func TestOpen_WrongPayee(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	deposit := signAuth(t, key, other, 50, time.Now().Unix()+3600)
	_, err := svc.Open(context.Background(), OpenRequest{
		WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Deposit:       deposit,
	})
	if !errors.Is(err, eip3009.ErrWrongPayee) {
		t.Errorf("Expected ErrWrongPayee, got %v", err)
	}
}

func TestOpen_SignerMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()

	deposit := signAuth(t, key, treasuryAddr, 50, time.Now().Unix()+3600)
	_, err := svc.Open(context.Background(), OpenRequest{
		WalletAddress: crypto.PubkeyToAddress(otherKey.PublicKey).Hex(),
		Deposit:       deposit,
	})
	if !errors.Is(err, ErrWalletMismatch) {
		t.Errorf("Expected ErrWalletMismatch, got %v", err)
	}
}

func TestOpen_ExpiredAuthorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()

	deposit := signAuth(t, key, treasuryAddr, 50, time.Now().Unix()-10)
	_, err := svc.Open(context.Background(), OpenRequest{
		WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Deposit:       deposit,
	})
	if !errors.Is(err, eip3009.ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestOpen_OneActivePerWallet(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()

	openSession(t, svc, key, 50)

	deposit := signAuth(t, key, treasuryAddr, 50, time.Now().Unix()+3600)
	_, err := svc.Open(context.Background(), OpenRequest{
		WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Deposit:       deposit,
	})
	if !errors.Is(err, ErrActiveSessionExists) {
		t.Errorf("Expected ErrActiveSessionExists, got %v", err)
	}
}

func TestRecordUsage_TotalInvariant(t *testing.T) {
	svc, store, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 50)

	ctx := context.Background()
	costs := []int64{1, 1, 2, 1}
	for _, c := range costs {
		if err := svc.RecordUsage(ctx, sess.Token, "tinychat", c, "none"); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	got, err := store.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}

	var sum int64
	for _, e := range got.Usage {
		sum += e.CostCents
	}
	if got.TotalCostCents != sum || sum != 5 {
		t.Errorf("TotalCostCents = %d, sum of entries = %d, want both 5", got.TotalCostCents, sum)
	}
	if len(got.Usage) != len(costs) {
		t.Errorf("Usage entries = %d, want %d", len(got.Usage), len(costs))
	}
}

func TestRecordUsage_NotActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()
	if _, err := svc.Close(ctx, sess.Token, nil); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none")
	if !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
}

func TestHasAvailableBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()

	// 9 cents used: one more 1-cent query brings total exactly to the cap.
	for i := 0; i < 9; i++ {
		if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none"); err != nil {
			t.Fatal(err)
		}
	}
	ok, err := svc.HasAvailableBalance(ctx, sess.Token)
	if err != nil || !ok {
		t.Errorf("At 9/10 cents: HasAvailableBalance = %v, %v; want true", ok, err)
	}

	if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none"); err != nil {
		t.Fatal(err)
	}
	ok, err = svc.HasAvailableBalance(ctx, sess.Token)
	if err != nil || ok {
		t.Errorf("At 10/10 cents: HasAvailableBalance = %v, %v; want false", ok, err)
	}

	// The ledger itself refuses to write past the cap.
	err = svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("RecordUsage past cap = %v, want ErrInsufficientBalance", err)
	}
	total, err := svc.SessionUsageCents(ctx, sess.Token)
	if err != nil || total != 10 {
		t.Errorf("Total after rejected write = %d, %v; want 10", total, err)
	}
}

func TestClose_FreeWhenNoUsage(t *testing.T) {
	svc, _, redeemer := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	receipt, err := svc.Close(context.Background(), sess.Token, nil)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if receipt.TotalCostCents != 0 || receipt.QueryCount != 0 {
		t.Errorf("Receipt = %+v, want zero usage", receipt)
	}
	if receipt.SettlementTransactionID != "" {
		t.Errorf("Free close should have no settlement tx")
	}
	if redeemer.callCount() != 0 {
		t.Errorf("Free close must not redeem anything")
	}
}

func TestClose_RequiresSettlement(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()
	if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Close(ctx, sess.Token, nil)
	if !errors.Is(err, ErrSettlementRequired) {
		t.Errorf("Expected ErrSettlementRequired, got %v", err)
	}
}

func TestClose_SettlementValueMustMatchExactly(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none"); err != nil {
			t.Fatal(err)
		}
	}

	// 4 cents signed, 3 cents tracked.
	settlement := signAuth(t, key, treasuryAddr, 4, time.Now().Unix()+3600)
	_, err := svc.Close(ctx, sess.Token, settlement)
	if !errors.Is(err, ErrSettlementMismatch) {
		t.Errorf("Expected ErrSettlementMismatch, got %v", err)
	}
}

func TestClose_Success(t *testing.T) {
	svc, _, redeemer := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 25)

	ctx := context.Background()
	if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RecordUsage(ctx, sess.Token, "deepseek-r1", 1, "keyword"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RecordUsage(ctx, sess.Token, "deepseek-r1", 1, "perplexity"); err != nil {
		t.Fatal(err)
	}

	settlement := signAuth(t, key, treasuryAddr, 3, time.Now().Unix()+3600)
	receipt, err := svc.Close(ctx, sess.Token, settlement)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if receipt.TotalCostCents != 3 || receipt.QueryCount != 3 {
		t.Errorf("Receipt totals = %d cents / %d queries, want 3/3", receipt.TotalCostCents, receipt.QueryCount)
	}
	if receipt.DepositCents != 25 {
		t.Errorf("DepositCents = %d, want 25", receipt.DepositCents)
	}
	if receipt.SettlementTransactionID != "0xfeed" {
		t.Errorf("SettlementTransactionID = %q", receipt.SettlementTransactionID)
	}
	if len(receipt.Breakdown) != 2 {
		t.Fatalf("Breakdown rows = %d, want 2", len(receipt.Breakdown))
	}
	for _, row := range receipt.Breakdown {
		switch row.Model {
		case "tinychat":
			if row.Count != 1 || row.TotalCostCents != 1 {
				t.Errorf("tinychat row = %+v", row)
			}
		case "deepseek-r1":
			if row.Count != 2 || row.TotalCostCents != 2 {
				t.Errorf("deepseek-r1 row = %+v", row)
			}
		default:
			t.Errorf("Unexpected model %q in breakdown", row.Model)
		}
	}
	if redeemer.callCount() != 1 {
		t.Errorf("Redeem calls = %d, want 1", redeemer.callCount())
	}
}

func TestClose_RedemptionFailureKeepsSessionActive(t *testing.T) {
	svc, store, redeemer := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()
	if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none"); err != nil {
		t.Fatal(err)
	}

	redeemer.err = errors.New("rpc down")
	settlement := signAuth(t, key, treasuryAddr, 1, time.Now().Unix()+3600)
	_, err := svc.Close(ctx, sess.Token, settlement)
	if !errors.Is(err, ErrRedemptionFailed) {
		t.Fatalf("Expected ErrRedemptionFailed, got %v", err)
	}

	got, err := store.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive {
		t.Errorf("Status after failed redemption = %s, want active", got.Status)
	}

	// Retry succeeds once the chain recovers.
	redeemer.err = nil
	retrySettlement := signAuth(t, key, treasuryAddr, 1, time.Now().Unix()+3600)
	if _, err := svc.Close(ctx, sess.Token, retrySettlement); err != nil {
		t.Errorf("Retried close failed: %v", err)
	}
}

func TestClose_AlreadyClosed(t *testing.T) {
	svc, _, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()
	if _, err := svc.Close(ctx, sess.Token, nil); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Close(ctx, sess.Token, nil)
	if !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
}

func TestExpire_RedeemsFullDeposit(t *testing.T) {
	svc, store, redeemer := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 50)

	ctx := context.Background()
	if err := svc.RecordUsage(ctx, sess.Token, "tinychat", 2, "none"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Expire(ctx, sess.Token); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	got, err := store.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}

	// The full deposit, not the 2 cents of usage, is redeemed.
	if redeemer.callCount() != 1 {
		t.Fatalf("Redeem calls = %d, want 1", redeemer.callCount())
	}
	if redeemer.calls[0].Value.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("Redeemed %s units, want 500000 (50 cents)", redeemer.calls[0].Value)
	}

	// The wallet is free to open a new session.
	openSession(t, svc, key, 10)
}

func TestExpire_SkipsNonActive(t *testing.T) {
	svc, _, redeemer := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()
	if _, err := svc.Close(ctx, sess.Token, nil); err != nil {
		t.Fatal(err)
	}

	// Closed between sweep ticks: no double settlement.
	if err := svc.Expire(ctx, sess.Token); err != nil {
		t.Errorf("Expire on closed session should be a no-op, got %v", err)
	}
	if redeemer.callCount() != 0 {
		t.Errorf("Redeem calls = %d, want 0", redeemer.callCount())
	}
}

func TestExpire_LapsedDepositIsUnresolvedLoss(t *testing.T) {
	svc, store, redeemer := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 10)

	ctx := context.Background()

	// Simulate the deposit window lapsing after open but before sweep.
	stored, err := store.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	stored.Deposit.ValidBefore = time.Now().Unix() - 10
	if err := store.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}

	if err := svc.Expire(ctx, sess.Token); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	got, err := store.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Errorf("Status = %s, want expired even without recovery", got.Status)
	}
	if redeemer.callCount() != 0 {
		t.Errorf("Lapsed authorization must not be submitted, got %d calls", redeemer.callCount())
	}
}

func TestSweepIdle(t *testing.T) {
	store := NewMemoryStore()
	redeemer := &fakeRedeemer{}
	svc := NewService(store, eip3009.NewVerifier(testDomain, treasuryAddr), redeemer, Config{
		QueryCostCents:  1,
		MinDepositCents: 10,
		IdleTimeout:     time.Minute,
	})

	keyIdle, _ := crypto.GenerateKey()
	keyFresh, _ := crypto.GenerateKey()
	idle := openSession(t, svc, keyIdle, 10)
	openSession(t, svc, keyFresh, 10)

	ctx := context.Background()

	// Backdate the idle session's activity past the timeout.
	stored, err := store.GetByToken(ctx, idle.Token)
	if err != nil {
		t.Fatal(err)
	}
	stored.LastActivityAt = time.Now().Add(-2 * time.Minute)
	if err := store.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}

	expired, err := svc.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if expired != 1 {
		t.Errorf("Expired %d sessions, want 1", expired)
	}

	active, err := svc.ActiveCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Errorf("Active sessions = %d, want 1", active)
	}
}

func TestRecordUsage_ConcurrentSafety(t *testing.T) {
	svc, store, _ := newTestService(t)
	key, _ := crypto.GenerateKey()
	sess := openSession(t, svc, key, 1000)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.RecordUsage(ctx, sess.Token, "tinychat", 1, "none")
		}()
	}
	wg.Wait()

	got, err := store.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalCostCents != 20 || len(got.Usage) != 20 {
		t.Errorf("After 20 concurrent records: total = %d, entries = %d", got.TotalCostCents, len(got.Usage))
	}
}
