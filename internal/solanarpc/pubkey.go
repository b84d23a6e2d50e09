// Package solanarpc is a minimal Solana JSON-RPC client with just enough
// transaction encoding to build, sign, and submit legacy transactions.
package solanarpc

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKey is a 32-byte ed25519 public key or program-derived address.
type PublicKey [32]byte

// Well-known program ids.
var (
	SystemProgram          = MustPublicKey("11111111111111111111111111111111")
	TokenProgram           = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgram = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// PublicKeyFromBase58 decodes a base58 address.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid base58 address: %w", err)
	}
	if len(raw) != 32 {
		return pk, fmt.Errorf("address must be 32 bytes, got %d", len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey decodes a base58 address, panicking on failure. For
// compile-time constants only.
func MustPublicKey(s string) PublicKey {
	pk, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies a 32-byte slice into a key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != 32 {
		return pk, fmt.Errorf("public key must be 32 bytes, got %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromPrivate extracts the public half of an ed25519 key.
func PublicKeyFromPrivate(priv ed25519.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return pk
}

func (p PublicKey) String() string { return base58.Encode(p[:]) }

func (p PublicKey) Bytes() []byte { return p[:] }

// IsOnCurve reports whether the key is a valid ed25519 curve point. Program-
// derived addresses must be off curve.
func (p PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}

// pdaMarker is the domain separator Solana appends when hashing PDA seeds.
var pdaMarker = []byte("ProgramDerivedAddress")

// CreateProgramAddress hashes seeds into an address, failing if the result
// lands on the curve.
func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > 32 {
			return PublicKey{}, fmt.Errorf("seed exceeds 32 bytes")
		}
		h.Write(seed)
	}
	h.Write(program[:])
	h.Write(pdaMarker)

	pk, err := PublicKeyFromBytes(h.Sum(nil))
	if err != nil {
		return PublicKey{}, err
	}
	if pk.IsOnCurve() {
		return PublicKey{}, fmt.Errorf("derived address is on curve")
	}
	return pk, nil
}

// FindProgramAddress searches bump seeds from 255 down for the first
// off-curve address.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		full := make([][]byte, len(seeds), len(seeds)+1)
		copy(full, seeds)
		full = append(full, []byte{byte(bump)})
		pk, err := CreateProgramAddress(full, program)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, fmt.Errorf("no valid program address found")
}

// FindAssociatedTokenAddress derives the canonical token account for a
// wallet / mint pair.
func FindAssociatedTokenAddress(wallet, mint PublicKey) (PublicKey, error) {
	pk, _, err := FindProgramAddress(
		[][]byte{wallet[:], TokenProgram[:], mint[:]},
		AssociatedTokenProgram,
	)
	return pk, err
}
