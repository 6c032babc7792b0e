// Package eip3009 implements EIP-3009 TransferWithAuthorization payloads:
// off-chain signed authorizations that let the treasury pull USDC from a
// payer's wallet without the payer submitting a transaction.
package eip3009

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidNonce     = errors.New("eip3009: nonce must be 32 bytes")
	ErrInvalidValue     = errors.New("eip3009: value must be a non-negative integer")
	ErrInvalidAddress   = errors.New("eip3009: invalid address")
	ErrInvalidSignature = errors.New("eip3009: signature must be 65 bytes")
)

// Authorization is the payload hashed and signed per EIP-3009.
// Value is in smallest USDC units. ValidAfter/ValidBefore are unix
// seconds; the authorization is usable in [ValidAfter, ValidBefore).
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       [32]byte
}

// SignedAuthorization pairs an authorization with its 65-byte
// r||s||v secp256k1 signature.
type SignedAuthorization struct {
	Authorization
	Signature []byte
}

// NewNonce returns a random 32-byte nonce.
func NewNonce() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("eip3009: generating nonce: %w", err)
	}
	return n, nil
}

// authorizationJSON is the wire form used in x402 payment payloads.
// All numeric fields are decimal strings, byte fields are 0x hex.
type authorizationJSON struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type signedAuthorizationJSON struct {
	authorizationJSON
	Signature string `json:"signature"`
}

func (a Authorization) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.wire())
}

func (a Authorization) wire() authorizationJSON {
	return authorizationJSON{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  fmt.Sprintf("%d", a.ValidAfter),
		ValidBefore: fmt.Sprintf("%d", a.ValidBefore),
		Nonce:       hexutil.Encode(a.Nonce[:]),
	}
}

func (a *Authorization) UnmarshalJSON(data []byte) error {
	var w authorizationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return a.fromWire(w)
}

func (a *Authorization) fromWire(w authorizationJSON) error {
	if !common.IsHexAddress(w.From) || !common.IsHexAddress(w.To) {
		return ErrInvalidAddress
	}
	a.From = common.HexToAddress(w.From)
	a.To = common.HexToAddress(w.To)

	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok || value.Sign() < 0 {
		return ErrInvalidValue
	}
	a.Value = value

	after, ok := new(big.Int).SetString(w.ValidAfter, 10)
	if !ok || !after.IsInt64() {
		return fmt.Errorf("eip3009: invalid validAfter %q", w.ValidAfter)
	}
	before, ok := new(big.Int).SetString(w.ValidBefore, 10)
	if !ok || !before.IsInt64() {
		return fmt.Errorf("eip3009: invalid validBefore %q", w.ValidBefore)
	}
	a.ValidAfter = after.Int64()
	a.ValidBefore = before.Int64()

	nonce, err := hexutil.Decode(w.Nonce)
	if err != nil || len(nonce) != 32 {
		return ErrInvalidNonce
	}
	copy(a.Nonce[:], nonce)
	return nil
}

func (s SignedAuthorization) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedAuthorizationJSON{
		authorizationJSON: s.wire(),
		Signature:         hexutil.Encode(s.Signature),
	})
}

func (s *SignedAuthorization) UnmarshalJSON(data []byte) error {
	var w signedAuthorizationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if err := s.Authorization.fromWire(w.authorizationJSON); err != nil {
		return err
	}
	sig, err := hexutil.Decode(w.Signature)
	if err != nil || len(sig) != 65 {
		return ErrInvalidSignature
	}
	s.Signature = sig
	return nil
}

// NonceHex returns the authorization nonce as a 0x-prefixed hex string.
func (a Authorization) NonceHex() string {
	return hexutil.Encode(a.Nonce[:])
}

// SameAddress compares two addresses case-insensitively from their
// string forms.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
