package wallet

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/config"
)

const testSecpHex = "0x0101010101010101010101010101010101010101010101010101010101010101"

func testWalletConfig() *config.Config {
	cfg := config.Default()
	cfg.PMMID = "pmm-test"
	cfg.Keys.EVMPrivateKey = testSecpHex
	return cfg
}

func TestLoadEVMOnly(t *testing.T) {
	keys, err := Load(testWalletConfig())
	if err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}
	if keys.EVM == nil {
		t.Fatal("evm key missing")
	}
	if keys.HasBTC() || keys.HasSolana() {
		t.Error("unconfigured chains should report absent keys")
	}

	addr := keys.EVMAddress()
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("evm address = %q, want 0x-prefixed 20 bytes", addr)
	}
}

func TestLoadRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"non-hex evm key", func(c *config.Config) { c.Keys.EVMPrivateKey = "0xzz" }},
		{"short evm key", func(c *config.Config) { c.Keys.EVMPrivateKey = "0x0101" }},
		{"short solana seed", func(c *config.Config) { c.Keys.SolanaSeed = "0x0102" }},
		{"bad mnemonic", func(c *config.Config) { c.Keys.SolanaMnemonic = "not a mnemonic at all" }},
		{"bad approver", func(c *config.Config) { c.Keys.LiquidationApproverKeys = []string{"garbage"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testWalletConfig()
			tt.mutate(cfg)
			if _, err := Load(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSolanaFromSeed(t *testing.T) {
	cfg := testWalletConfig()
	cfg.Keys.SolanaSeed = "0x" + strings.Repeat("02", 32)

	keys, err := Load(cfg)
	if err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}
	if !keys.HasSolana() {
		t.Fatal("solana key missing")
	}

	addr, err := keys.ReceivingAddress(chain.NetworkTypeSolana)
	if err != nil {
		t.Fatalf("failed to derive address: %v", err)
	}
	decoded, err := DecodeSolanaAddress(addr)
	if err != nil {
		t.Fatalf("derived address does not decode: %v", err)
	}
	if !IsOnCurve(decoded) {
		t.Error("wallet address must be an on-curve ed25519 key")
	}
}

func TestWIFNetworkMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	wif, err := btcutil.NewWIF(priv, &chaincfg.MainNetParams, true)
	if err != nil {
		t.Fatalf("failed to encode wif: %v", err)
	}

	cfg := testWalletConfig()
	cfg.Mode = config.Testnet
	cfg.Keys.BTCPrivateKey = wif.String()

	if _, err := Load(cfg); err == nil {
		t.Fatal("mainnet WIF on testnet config must fail")
	}

	// Same WIF on mainnet loads fine.
	cfg.Mode = config.Mainnet
	keys, err := Load(cfg)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if !keys.HasBTC() {
		t.Error("btc key missing")
	}
}

func TestReceivingAddressPerNetwork(t *testing.T) {
	cfg := testWalletConfig()
	cfg.Keys.BTCPrivateKey = "0x" + strings.Repeat("03", 32)
	cfg.Keys.SolanaSeed = "0x" + strings.Repeat("04", 32)

	keys, err := Load(cfg)
	if err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}

	evm, err := keys.ReceivingAddress(chain.NetworkTypeEVM)
	if err != nil || !ValidateEVMAddress(evm) {
		t.Errorf("evm address %q invalid: %v", evm, err)
	}

	btc, err := keys.ReceivingAddress(chain.NetworkTypeBTC)
	if err != nil {
		t.Fatalf("failed to derive btc address: %v", err)
	}
	if !strings.HasPrefix(btc, "bc1p") {
		t.Errorf("btc address = %q, want taproot bc1p...", btc)
	}
	if !ValidateBTCAddress(btc, &chaincfg.MainNetParams) {
		t.Errorf("btc address %q does not validate", btc)
	}

	// Testnet taproot address from the same key.
	tbtc, err := keys.ReceivingAddress(chain.NetworkTypeTBTC)
	if err != nil {
		t.Fatalf("failed to derive testnet address: %v", err)
	}
	if !strings.HasPrefix(tbtc, "tb1p") {
		t.Errorf("testnet address = %q, want tb1p...", tbtc)
	}

	if _, err := keys.ReceivingAddress(chain.NetworkType("carrier-pigeon")); err == nil {
		t.Error("expected error for unknown network type")
	}
}

func TestAddressScript(t *testing.T) {
	cfg := testWalletConfig()
	cfg.Keys.BTCPrivateKey = "0x" + strings.Repeat("03", 32)
	keys, err := Load(cfg)
	if err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}
	addr, err := keys.ReceivingAddress(chain.NetworkTypeBTC)
	if err != nil {
		t.Fatalf("failed to derive address: %v", err)
	}

	script, err := AddressScript(addr, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("failed to build script: %v", err)
	}
	// P2TR: OP_1 <32-byte key>
	if len(script) != 34 || script[0] != 0x51 {
		t.Errorf("script = %x, want v1 witness program", script)
	}
}
