// Package wallet - Per-chain address derivation and validation.
package wallet

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// TaprootAddress derives a P2TR address (bc1p.../tb1p...) for a public key
// using the BIP-86 key-path-only tweak.
func TaprootAddress(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	addr, err := btcutil.NewAddressTaproot(taprootKey.SerializeCompressed()[1:], params)
	if err != nil {
		return "", fmt.Errorf("failed to derive taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// SolanaAddress encodes an ed25519 public key as a base58 Solana address.
func SolanaAddress(pubKey []byte) string {
	return base58.Encode(pubKey)
}

// DecodeSolanaAddress decodes a base58 Solana address into a 32-byte key.
func DecodeSolanaAddress(addr string) ([32]byte, error) {
	var out [32]byte
	b, err := base58.Decode(addr)
	if err != nil {
		return out, fmt.Errorf("invalid base58: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("solana address must decode to 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// IsOnCurve reports whether a 32-byte key is a valid ed25519 curve point.
// Program-derived addresses must be off-curve.
func IsOnCurve(key [32]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(key[:])
	return err == nil
}

// ValidateEVMAddress reports whether addr is a well-formed 0x address.
func ValidateEVMAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// ValidateBTCAddress reports whether addr parses for the given network.
func ValidateBTCAddress(addr string, params *chaincfg.Params) bool {
	_, err := btcutil.DecodeAddress(addr, params)
	return err == nil
}

// AddressScript returns the output script for a Bitcoin address.
func AddressScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	return txscript.PayToAddrScript(decoded)
}
