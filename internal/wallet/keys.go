// Package wallet loads operator keys and derives the PMM's receiving address
// for each chain family. Key derivation happens once at process start; the
// resulting Keys value is threaded through constructors.
package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/config"
)

// Keys holds the operator's signing keys for all chain families.
type Keys struct {
	// EVM secp256k1 key, also the solver signing key.
	EVM *btcec.PrivateKey

	// BTC signing key and the chain params it was loaded for.
	BTC       *btcec.PrivateKey
	BTCParams *chaincfg.Params

	// Solana ed25519 keypair.
	Solana ed25519.PrivateKey

	// Approver keys for the multisig liquidation contract.
	LiquidationApprovers []*btcec.PrivateKey
}

// Load parses all configured keys. BTC accepts WIF or raw hex; a WIF whose
// network prefix contradicts the configured mode is rejected rather than
// silently re-interpreted.
func Load(cfg *config.Config) (*Keys, error) {
	keys := &Keys{}

	evmKey, err := parseSecpKey(cfg.Keys.EVMPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid evm key: %w", err)
	}
	keys.EVM = evmKey

	btcParams := &chaincfg.MainNetParams
	if cfg.Mode == config.Testnet {
		btcParams = &chaincfg.TestNet3Params
	}
	keys.BTCParams = btcParams

	if cfg.Keys.BTCPrivateKey != "" {
		btcKey, err := parseBTCKey(cfg.Keys.BTCPrivateKey, btcParams)
		if err != nil {
			return nil, fmt.Errorf("invalid btc key: %w", err)
		}
		keys.BTC = btcKey
	}

	switch {
	case cfg.Keys.SolanaSeed != "":
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.Keys.SolanaSeed, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid solana seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("solana seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		keys.Solana = ed25519.NewKeyFromSeed(seed)
	case cfg.Keys.SolanaMnemonic != "":
		if !bip39.IsMnemonicValid(cfg.Keys.SolanaMnemonic) {
			return nil, fmt.Errorf("invalid solana mnemonic")
		}
		seed := bip39.NewSeed(cfg.Keys.SolanaMnemonic, "")
		keys.Solana = ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	}

	for i, raw := range cfg.Keys.LiquidationApproverKeys {
		k, err := parseSecpKey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid liquidation approver key %d: %w", i, err)
		}
		keys.LiquidationApprovers = append(keys.LiquidationApprovers, k)
	}

	return keys, nil
}

// parseSecpKey parses a hex-encoded secp256k1 private key.
func parseSecpKey(raw string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// parseBTCKey parses a Bitcoin key as WIF first, falling back to raw hex.
// WIF encodes the network; a mainnet WIF on a testnet configuration (or vice
// versa) derives a different address than the operator expects, so it fails.
func parseBTCKey(raw string, params *chaincfg.Params) (*btcec.PrivateKey, error) {
	if wif, err := btcutil.DecodeWIF(raw); err == nil {
		if !wif.IsForNet(params) {
			return nil, fmt.Errorf("WIF network prefix does not match configured network %s", params.Name)
		}
		return wif.PrivKey, nil
	}
	return parseSecpKey(raw)
}

// HasBTC reports whether a Bitcoin key is configured.
func (k *Keys) HasBTC() bool { return k.BTC != nil }

// HasSolana reports whether a Solana key is configured.
func (k *Keys) HasSolana() bool { return len(k.Solana) > 0 }

// EVMAddress returns the 0x-prefixed EVM address for the operator key.
func (k *Keys) EVMAddress() string {
	return ethcrypto.PubkeyToAddress(k.EVM.ToECDSA().PublicKey).Hex()
}

// ReceivingAddress returns the PMM's canonical receive address for a network
// type. This is the address the router's presign entry must match.
func (k *Keys) ReceivingAddress(t chain.NetworkType) (string, error) {
	switch t {
	case chain.NetworkTypeEVM:
		return k.EVMAddress(), nil
	case chain.NetworkTypeBTC, chain.NetworkTypeTBTC:
		if k.BTC == nil {
			return "", fmt.Errorf("no btc key configured")
		}
		params := k.BTCParams
		if t == chain.NetworkTypeTBTC {
			params = &chaincfg.TestNet3Params
		}
		return TaprootAddress(k.BTC.PubKey(), params)
	case chain.NetworkTypeSolana:
		if len(k.Solana) == 0 {
			return "", fmt.Errorf("no solana key configured")
		}
		return SolanaAddress(k.Solana.Public().(ed25519.PublicKey)), nil
	default:
		return "", fmt.Errorf("unsupported network type: %s", t)
	}
}
