package chain

import "testing"

func TestGet(t *testing.T) {
	tests := []struct {
		id       string
		wantType NetworkType
	}{
		{"ethereum", NetworkTypeEVM},
		{"base", NetworkTypeEVM},
		{"arbitrum", NetworkTypeEVM},
		{"bsc", NetworkTypeEVM},
		{"bitcoin", NetworkTypeBTC},
		{"bitcoin-testnet", NetworkTypeTBTC},
		{"solana", NetworkTypeSolana},
	}
	for _, tt := range tests {
		n, ok := Get(tt.id)
		if !ok {
			t.Errorf("Get(%q) not found", tt.id)
			continue
		}
		if n.Type != tt.wantType {
			t.Errorf("Get(%q).Type = %s, want %s", tt.id, n.Type, tt.wantType)
		}
	}

	if _, ok := Get("dogecoin"); ok {
		t.Error("unregistered network should not resolve")
	}
}

func TestGetByChainID(t *testing.T) {
	n, ok := GetByChainID(8453)
	if !ok || n.ID != "base" {
		t.Errorf("GetByChainID(8453) = %v, want base", n)
	}
	if _, ok := GetByChainID(99999999); ok {
		t.Error("unknown chain id should not resolve")
	}
}

func TestBitcoinNetworksCarryParams(t *testing.T) {
	for _, id := range []string{"bitcoin", "bitcoin-testnet"} {
		n, ok := Get(id)
		if !ok {
			t.Fatalf("%s missing from registry", id)
		}
		if n.BTCParams == nil {
			t.Errorf("%s has no chaincfg params", id)
		}
		if !n.Type.IsBitcoin() {
			t.Errorf("%s type %s should report IsBitcoin", id, n.Type)
		}
	}
	if NetworkTypeEVM.IsBitcoin() {
		t.Error("EVM is not bitcoin")
	}
}

func TestListByType(t *testing.T) {
	evm := ListByType(NetworkTypeEVM)
	if len(evm) < 4 {
		t.Errorf("EVM networks = %d, want at least mainnet set", len(evm))
	}
	for _, n := range evm {
		if n.ChainID == 0 {
			t.Errorf("EVM network %s has no chain id", n.ID)
		}
	}
}
