package eip3009

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var testDomain = USDCDomain(8453, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))

func testAuth(t *testing.T, from common.Address, to common.Address, valueCents int64) Authorization {
	t.Helper()
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	now := time.Now().Unix()
	return Authorization{
		From:        from,
		To:          to,
		Value:       new(big.Int).Mul(big.NewInt(valueCents), big.NewInt(10_000)),
		ValidAfter:  now - 60,
		ValidBefore: now + 300,
		Nonce:       nonce,
	}
}

func signedAuth(t *testing.T, key *ecdsa.PrivateKey, to common.Address, valueCents int64) *SignedAuthorization {
	t.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)
	auth := testAuth(t, from, to, valueCents)
	sig, err := testDomain.Sign(auth, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return &SignedAuthorization{Authorization: auth, Signature: sig}
}

func TestVerify_Valid(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)

	v := NewVerifier(testDomain, treasury)
	signer, err := v.Verify(sa)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if signer != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("Recovered %s, want %s", signer.Hex(), crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
}

func TestVerify_WrongPayee(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	sa := signedAuth(t, key, other, 10)

	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(sa); !errors.Is(err, ErrWrongPayee) {
		t.Errorf("Expected ErrWrongPayee, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)
	sa.ValidBefore = time.Now().Unix() - 10
	sig, err := testDomain.Sign(sa.Authorization, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sa.Signature = sig

	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(sa); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestVerify_NotYetValid(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)
	sa.ValidAfter = time.Now().Unix() + 600
	sig, err := testDomain.Sign(sa.Authorization, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sa.Signature = sig

	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(sa); !errors.Is(err, ErrNotYetValid) {
		t.Errorf("Expected ErrNotYetValid, got %v", err)
	}
}

func TestVerify_BoundaryWindow(t *testing.T) {
	// validBefore itself is outside the window, validAfter is inside.
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)

	v := NewVerifier(testDomain, treasury)
	v.now = func() time.Time { return time.Unix(sa.ValidBefore, 0) }
	if _, err := v.Verify(sa); !errors.Is(err, ErrExpired) {
		t.Errorf("At validBefore: expected ErrExpired, got %v", err)
	}

	v.now = func() time.Time { return time.Unix(sa.ValidAfter, 0) }
	if _, err := v.Verify(sa); err != nil {
		t.Errorf("At validAfter: expected valid, got %v", err)
	}
}

func TestVerify_SignerMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)
	// Re-sign with a different key so the recovered signer disagrees
	// with the declared from address.
	sig, err := testDomain.Sign(sa.Authorization, otherKey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sa.Signature = sig

	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(sa); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("Expected ErrSignerMismatch, got %v", err)
	}
}

func TestVerify_TamperedValue(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)
	sa.Value = new(big.Int).Mul(big.NewInt(100), big.NewInt(10_000))

	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(sa); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("Expected ErrSignerMismatch after tamper, got %v", err)
	}
}

func TestVerify_BadSignatureLength(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sa := signedAuth(t, key, treasury, 10)
	sa.Signature = sa.Signature[:64]

	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(sa); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestSignedAuthorizationJSONRoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	treasury := common.HexToAddress("0x1111111111111111111111111111111111111111")
	sa := signedAuth(t, key, treasury, 25)

	data, err := json.Marshal(sa)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded SignedAuthorization
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.From != sa.From || decoded.To != sa.To {
		t.Errorf("Address mismatch after round trip")
	}
	if decoded.Value.Cmp(sa.Value) != 0 {
		t.Errorf("Value mismatch: %s vs %s", decoded.Value, sa.Value)
	}
	if decoded.Nonce != sa.Nonce {
		t.Errorf("Nonce mismatch")
	}

	// The decoded authorization must still verify.
	v := NewVerifier(testDomain, treasury)
	if _, err := v.Verify(&decoded); err != nil {
		t.Errorf("Decoded authorization failed verification: %v", err)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad from", `{"from":"nope","to":"0x1111111111111111111111111111111111111111","value":"1","validAfter":"0","validBefore":"1","nonce":"0x0000000000000000000000000000000000000000000000000000000000000000","signature":"0x00"}`},
		{"negative value", `{"from":"0x1111111111111111111111111111111111111111","to":"0x1111111111111111111111111111111111111111","value":"-1","validAfter":"0","validBefore":"1","nonce":"0x0000000000000000000000000000000000000000000000000000000000000000","signature":"0x00"}`},
		{"short nonce", `{"from":"0x1111111111111111111111111111111111111111","to":"0x1111111111111111111111111111111111111111","value":"1","validAfter":"0","validBefore":"1","nonce":"0x00","signature":"0x00"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var sa SignedAuthorization
			if err := json.Unmarshal([]byte(tc.body), &sa); err == nil {
				t.Errorf("Expected unmarshal error")
			}
		})
	}
}

func TestNewNonce_Unique(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("Expected distinct nonces")
	}
}
