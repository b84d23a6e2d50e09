package tokens

import (
	"testing"

	"github.com/Phathdt/pmm-sub000/internal/config"
)

func testConfigs() []config.TokenConfig {
	return []config.TokenConfig{
		{TokenID: "ethereum-usdc", NetworkID: "ethereum", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "usdc", Decimals: 6},
		{TokenID: "ethereum-native", NetworkID: "ethereum", Symbol: "ETH", Decimals: 18},
		{TokenID: "btc-native", NetworkID: "bitcoin", Symbol: "BTC", Decimals: 8},
	}
}

func TestStaticDirectoryLookups(t *testing.T) {
	d, err := NewStaticDirectory(testConfigs())
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}

	// Address lookup is case-insensitive.
	tok, err := d.GetToken("ethereum", "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if tok.Symbol != "USDC" {
		t.Errorf("symbol = %s, want normalized USDC", tok.Symbol)
	}
	if tok.Native() {
		t.Error("USDC is not native")
	}

	native, err := d.GetToken("ethereum", "")
	if err != nil {
		t.Fatalf("native lookup failed: %v", err)
	}
	if !native.Native() {
		t.Error("empty address token should be native")
	}

	byID, err := d.GetTokenByID("btc-native")
	if err != nil {
		t.Fatalf("id lookup failed: %v", err)
	}
	if byID.NetworkID != "bitcoin" {
		t.Errorf("network = %s, want bitcoin", byID.NetworkID)
	}

	if _, err := d.GetToken("ethereum", "0xffff"); err == nil {
		t.Error("expected error for unknown address")
	}
	if _, err := d.GetTokenByID("nope"); err == nil {
		t.Error("expected error for unknown token id")
	}
}

func TestStaticDirectoryRejectsUnknownNetwork(t *testing.T) {
	_, err := NewStaticDirectory([]config.TokenConfig{
		{TokenID: "x", NetworkID: "atlantis", Symbol: "X"},
	})
	if err == nil {
		t.Fatal("expected error for unregistered network")
	}
}

func TestListByNetwork(t *testing.T) {
	d, err := NewStaticDirectory(testConfigs())
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	if got := len(d.ListByNetwork("ethereum")); got != 2 {
		t.Errorf("ethereum tokens = %d, want 2", got)
	}
	if got := len(d.ListByNetwork("solana")); got != 0 {
		t.Errorf("solana tokens = %d, want 0", got)
	}
}
