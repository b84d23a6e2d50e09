// Package chain defines network and trade parameters for the settlement engine.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import "github.com/btcsuite/btcd/chaincfg"

// NetworkType represents the blockchain family a settlement executes on.
type NetworkType string

const (
	NetworkTypeEVM    NetworkType = "EVM"    // Ethereum and EVM chains
	NetworkTypeBTC    NetworkType = "BTC"    // Bitcoin mainnet
	NetworkTypeTBTC   NetworkType = "TBTC"   // Bitcoin testnet
	NetworkTypeSolana NetworkType = "SOLANA" // Solana
)

// IsBitcoin returns true for both Bitcoin mainnet and testnet.
func (t NetworkType) IsBitcoin() bool {
	return t == NetworkTypeBTC || t == NetworkTypeTBTC
}

// TradeType represents the business flavor of a trade.
type TradeType string

const (
	TradeTypeSwap    TradeType = "SWAP"
	TradeTypeLiquid  TradeType = "LIQUID"
	TradeTypeLending TradeType = "LENDING"
)

// Network contains all parameters for one settlement network.
type Network struct {
	// Identity
	ID   string      // network id as the router encodes it ("ethereum", "base", "bitcoin", "solana")
	Name string      // human-readable name
	Type NetworkType // blockchain family

	// EVM params
	ChainID     uint64 // EVM chain id
	NativeToken string // native token symbol (ETH, BNB, POL)

	// Bitcoin params
	BTCParams *chaincfg.Params

	// Native decimals (18 for EVM, 8 for BTC, 9 for SOL)
	Decimals uint8
}

// Registry holds all network parameters indexed by network id.
var registry = make(map[string]*Network)

// Register adds a network to the registry.
func Register(n *Network) {
	registry[n.ID] = n
}

// Get returns a network by id.
func Get(id string) (*Network, bool) {
	n, ok := registry[id]
	return n, ok
}

// GetByChainID returns the EVM network with the given chain id.
func GetByChainID(chainID uint64) (*Network, bool) {
	for _, n := range registry {
		if n.Type == NetworkTypeEVM && n.ChainID == chainID {
			return n, true
		}
	}
	return nil, false
}

// List returns all registered network ids.
func List() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}

// ListByType returns all networks of a given family.
func ListByType(t NetworkType) []*Network {
	var out []*Network
	for _, n := range registry {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func init() {
	Register(&Network{
		ID:          "ethereum",
		Name:        "Ethereum",
		Type:        NetworkTypeEVM,
		ChainID:     1,
		NativeToken: "ETH",
		Decimals:    18,
	})
	Register(&Network{
		ID:          "base",
		Name:        "Base",
		Type:        NetworkTypeEVM,
		ChainID:     8453,
		NativeToken: "ETH",
		Decimals:    18,
	})
	Register(&Network{
		ID:          "arbitrum",
		Name:        "Arbitrum One",
		Type:        NetworkTypeEVM,
		ChainID:     42161,
		NativeToken: "ETH",
		Decimals:    18,
	})
	Register(&Network{
		ID:          "bsc",
		Name:        "BNB Smart Chain",
		Type:        NetworkTypeEVM,
		ChainID:     56,
		NativeToken: "BNB",
		Decimals:    18,
	})
	Register(&Network{
		ID:          "sepolia",
		Name:        "Ethereum Sepolia",
		Type:        NetworkTypeEVM,
		ChainID:     11155111,
		NativeToken: "ETH",
		Decimals:    18,
	})
	Register(&Network{
		ID:        "bitcoin",
		Name:      "Bitcoin",
		Type:      NetworkTypeBTC,
		BTCParams: &chaincfg.MainNetParams,
		Decimals:  8,
	})
	Register(&Network{
		ID:        "bitcoin-testnet",
		Name:      "Bitcoin Testnet",
		Type:      NetworkTypeTBTC,
		BTCParams: &chaincfg.TestNet3Params,
		Decimals:  8,
	})
	Register(&Network{
		ID:       "solana",
		Name:     "Solana",
		Type:     NetworkTypeSolana,
		Decimals: 9,
	})
	Register(&Network{
		ID:       "solana-devnet",
		Name:     "Solana Devnet",
		Type:     NetworkTypeSolana,
		Decimals: 9,
	})
}
