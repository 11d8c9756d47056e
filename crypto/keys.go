package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature encoding")
	ErrSignerMismatch   = errors.New("crypto: recovered signer does not match")
)

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Address derives the Ethereum address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// --- Signatures ---

// Signature is an ECDSA signature split into the (v, r, s) triple expected by
// ecrecover. V is 27 or 28.
type Signature struct {
	V uint8
	R common.Hash
	S common.Hash
}

// Sign signs a 32-byte checksum.
func Sign(key *PrivateKey, checksum common.Hash) (Signature, error) {
	if key == nil {
		return Signature{}, errors.New("crypto: nil private key")
	}
	raw, err := crypto.Sign(checksum[:], key.PrivateKey)
	if err != nil {
		return Signature{}, err
	}
	return fromRaw(raw)
}

func fromRaw(raw []byte) (Signature, error) {
	if len(raw) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	v := raw[64]
	if v < 27 {
		v += 27
	}
	return Signature{V: v, R: common.BytesToHash(raw[:32]), S: common.BytesToHash(raw[32:64])}, nil
}

// Bytes returns the 65-byte r ‖ s ‖ v form.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, crypto.SignatureLength)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}

// Hex encodes the signature for persistence.
func (s Signature) Hex() string {
	return hex.EncodeToString(s.Bytes())
}

// ParseSignature decodes the form produced by Hex.
func ParseSignature(raw string) (Signature, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return fromRaw(decoded)
}

// Recover returns the address that produced sig over checksum.
func Recover(checksum common.Hash, sig Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, fmt.Errorf("%w: v=%d", ErrInvalidSignature, sig.V)
	}
	raw := sig.Bytes()
	raw[64] -= 27
	pub, err := crypto.SigToPub(checksum[:], raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over checksum was produced by signer.
func Verify(signer common.Address, checksum common.Hash, sig Signature) error {
	recovered, err := Recover(checksum, sig)
	if err != nil {
		return err
	}
	if recovered != signer {
		return fmt.Errorf("%w: expected %s got %s", ErrSignerMismatch, signer.Hex(), recovered.Hex())
	}
	return nil
}
