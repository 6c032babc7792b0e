// Package treasury submits signed EIP-3009 authorizations on-chain,
// pulling USDC from payer wallets into the operator's treasury address.
package treasury

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tinybrain/tabgate/internal/eip3009"
)

var (
	ErrInvalidPrivateKey = errors.New("treasury: invalid private key")
	ErrRPCConnection     = errors.New("treasury: RPC connection failed")
	ErrNonceUsed         = errors.New("treasury: authorization nonce already submitted")
	ErrTransactionFailed = errors.New("treasury: transaction reverted")
	ErrTimeout           = errors.New("treasury: confirmation timed out")
)

// SettlementError wraps on-chain settlement failures with the
// operation and transaction hash, when one exists. Distinct from
// authorization validation errors: the money may be in flight.
type SettlementError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SettlementError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("treasury: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("treasury: %s failed: %v", e.Op, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)
const usdcABI = `[
	{"inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],
	 "name":"transferWithAuthorization","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	DefaultGasLimit = uint64(120000)

	DefaultConfirmationTimeout = 60 * time.Second

	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Redeemer executes signed authorizations against the USDC contract.
type Redeemer interface {
	Redeem(ctx context.Context, sa *eip3009.SignedAuthorization) (*Settlement, error)
	Address() common.Address
}

// Settlement describes a confirmed on-chain redemption.
type Settlement struct {
	TxHash      string
	From        string
	ValueUnits  *big.Int
	BlockNumber uint64
	GasUsed     uint64
}

// Config for creating a treasury.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, with or without 0x prefix
	ChainID      int64
	USDCContract string
}

// Option configures the treasury.
type Option func(*Treasury)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(t *Treasury) {
		t.client = client
	}
}

// Treasury holds the operator key and submits redemption transactions.
// Redemptions are gas-paid by the treasury, not the payer.
type Treasury struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	usdcContract common.Address
	usdcABI      abi.ABI

	// usedNonces guards against double submission of the same
	// authorization within this process. The contract enforces the
	// same invariant on-chain; this avoids burning gas on reverts.
	usedNonces sync.Map
}

var _ Redeemer = (*Treasury)(nil)

// New creates a Treasury instance.
func New(cfg Config, opts ...Option) (*Treasury, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(usdcABI))
	if err != nil {
		return nil, fmt.Errorf("treasury: parsing USDC ABI: %w", err)
	}

	t := &Treasury{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		usdcABI:      parsedABI,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		t.client = client
	}

	return t, nil
}

// Address returns the treasury's receiving address.
func (t *Treasury) Address() common.Address {
	return t.address
}

// Redeem submits a transferWithAuthorization call and waits for it to
// be mined. The signature has already been verified off-chain; the
// contract re-verifies it on-chain.
func (t *Treasury) Redeem(ctx context.Context, sa *eip3009.SignedAuthorization) (*Settlement, error) {
	nonceKey := sa.NonceHex()
	if _, loaded := t.usedNonces.LoadOrStore(nonceKey, struct{}{}); loaded {
		return nil, ErrNonceUsed
	}

	var r, s [32]byte
	copy(r[:], sa.Signature[0:32])
	copy(s[:], sa.Signature[32:64])
	v := sa.Signature[64]
	if v < 27 {
		v += 27
	}

	data, err := t.usdcABI.Pack("transferWithAuthorization",
		sa.From,
		sa.To,
		sa.Value,
		new(big.Int).SetInt64(sa.ValidAfter),
		new(big.Int).SetInt64(sa.ValidBefore),
		sa.Nonce,
		v,
		r,
		s,
	)
	if err != nil {
		t.usedNonces.Delete(nonceKey)
		return nil, &SettlementError{Op: "pack", Err: err}
	}

	txNonce, err := t.client.PendingNonceAt(ctx, t.address)
	if err != nil {
		t.usedNonces.Delete(nonceKey)
		return nil, &SettlementError{Op: "nonce", Err: err}
	}

	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		t.usedNonces.Delete(nonceKey)
		return nil, &SettlementError{Op: "gas_price", Err: err}
	}

	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.address,
		To:    &t.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(txNonce, t.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.privateKey)
	if err != nil {
		t.usedNonces.Delete(nonceKey)
		return nil, &SettlementError{Op: "sign", Err: err}
	}

	if err := t.client.SendTransaction(ctx, signedTx); err != nil {
		t.usedNonces.Delete(nonceKey)
		return nil, &SettlementError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return t.waitForConfirmation(ctx, signedTx.Hash(), sa)
}

func (t *Treasury) waitForConfirmation(ctx context.Context, hash common.Hash, sa *eip3009.SignedAuthorization) (*Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &SettlementError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := t.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}

			if receipt.Status == 0 {
				// A confirmed revert did not consume the nonce on-chain,
				// so the same authorization may be resubmitted. Timeouts
				// keep the guard: the tx may still mine.
				t.usedNonces.Delete(sa.NonceHex())
				return nil, &SettlementError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}

			return &Settlement{
				TxHash:      hash.Hex(),
				From:        sa.From.Hex(),
				ValueUnits:  sa.Value,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// BalanceOf returns the USDC balance of an address in smallest units.
func (t *Treasury) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := t.usdcABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("treasury: packing balanceOf: %w", err)
	}

	result, err := t.client.CallContract(ctx, ethereum.CallMsg{
		To:   &t.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("treasury: calling balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Close closes the underlying client connection.
func (t *Treasury) Close() error {
	if t.client != nil {
		t.client.Close()
	}
	return nil
}
