package eip3009

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrWrongPayee     = errors.New("eip3009: authorization not payable to treasury")
	ErrSignerMismatch = errors.New("eip3009: recovered signer does not match from address")
	ErrNotYetValid    = errors.New("eip3009: authorization not yet valid")
	ErrExpired        = errors.New("eip3009: authorization expired")
	ErrBadSignature   = errors.New("eip3009: signature recovery failed")
)

// Domain identifies the EIP-712 signing domain of the USDC contract.
type Domain struct {
	Name     string
	Version  string
	ChainID  int64
	Contract common.Address
}

// USDCDomain returns the signing domain for the canonical USDC
// deployment on the given chain.
func USDCDomain(chainID int64, contract common.Address) Domain {
	return Domain{
		Name:     "USD Coin",
		Version:  "2",
		ChainID:  chainID,
		Contract: contract,
	}
}

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// TypedData builds the EIP-712 structure for an authorization under
// this domain.
func (d Domain) TypedData(a Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.Contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        a.From.Hex(),
			"to":          a.To.Hex(),
			"value":       a.Value.String(),
			"validAfter":  new(big.Int).SetInt64(a.ValidAfter).String(),
			"validBefore": new(big.Int).SetInt64(a.ValidBefore).String(),
			"nonce":       a.NonceHex(),
		},
	}
}

// Digest returns the 32-byte EIP-712 hash the payer's wallet signs.
func (d Domain) Digest(a Authorization) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(a))
	if err != nil {
		return nil, fmt.Errorf("eip3009: hashing typed data: %w", err)
	}
	return hash, nil
}

// Recover returns the address that signed the authorization.
func (d Domain) Recover(a Authorization, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	digest, err := d.Digest(a)
	if err != nil {
		return common.Address{}, err
	}

	// Wallets produce v = 27 or 28; Ecrecover wants 0 or 1.
	rsv := make([]byte, 65)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(digest, rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier validates signed authorizations against the treasury
// receiving address.
type Verifier struct {
	domain Domain
	payee  common.Address

	// now is swappable for deterministic window tests.
	now func() time.Time
}

// NewVerifier creates a verifier that accepts authorizations payable
// to payee under the given signing domain.
func NewVerifier(domain Domain, payee common.Address) *Verifier {
	return &Verifier{domain: domain, payee: payee, now: time.Now}
}

// Domain exposes the verifier's signing domain for clients that need
// to produce matching signatures.
func (v *Verifier) Domain() Domain { return v.domain }

// Payee returns the treasury receiving address.
func (v *Verifier) Payee() common.Address { return v.payee }

// Verify checks a signed authorization: it must pay the treasury, be
// inside its validity window right now, and carry a signature by the
// declared from address. Returns the recovered signer on success.
func (v *Verifier) Verify(sa *SignedAuthorization) (common.Address, error) {
	if sa.To != v.payee {
		return common.Address{}, ErrWrongPayee
	}

	now := v.now().Unix()
	if now < sa.ValidAfter {
		return common.Address{}, ErrNotYetValid
	}
	if now >= sa.ValidBefore {
		return common.Address{}, ErrExpired
	}

	signer, err := v.domain.Recover(sa.Authorization, sa.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if signer != sa.From {
		return common.Address{}, ErrSignerMismatch
	}
	return signer, nil
}

// ExpiresAt returns the wall-clock instant the authorization stops
// being valid.
func (a Authorization) ExpiresAt() time.Time {
	return time.Unix(a.ValidBefore, 0)
}

// Sign produces a 65-byte r||s||v signature (v in {27,28}) over the
// authorization digest. Used by the client SDK and tests; the server
// only ever verifies.
func (d Domain) Sign(a Authorization, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := d.Digest(a)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("eip3009: signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
