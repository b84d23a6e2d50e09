// Package solver is the client side of the router/solver API: trade and
// selection lookups, settlement submission, and the hash/signature formats
// the router's verifier checks.
package solver

import (
	"encoding/json"
)

// PMMSelection is the router's record of which market maker won a trade.
type PMMSelection struct {
	TradeID       string `json:"tradeId"`
	SelectedPMMID string `json:"selectedPmmId"`
	SelectedAt    int64  `json:"selectedAt"`
}

// ToChainInfo identifies where the destination asset must land.
type ToChainInfo struct {
	NetworkID string `json:"networkId"`
	Token     string `json:"token"`     // on-chain token address, empty for native
	Recipient string `json:"recipient"` // destination user address
	AmountOut string `json:"amountOut"` // base units, decimal string
}

// TradeData is the router's full view of one trade.
type TradeData struct {
	TradeID        string          `json:"tradeId"`
	FromTokenID    string          `json:"fromTokenId"`
	ToTokenID      string          `json:"toTokenId"`
	FromUser       string          `json:"fromUser"`
	ToUser         string          `json:"toUser"`
	Amount         string          `json:"amount"`
	TradeDeadline  int64           `json:"tradeDeadline"`
	ScriptDeadline int64           `json:"scriptDeadline"`
	TradeType      string          `json:"tradeType"` // SWAP | LIQUID | LENDING
	IsLiquid       bool            `json:"isLiquid"`
	ToChain        ToChainInfo     `json:"toChain"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Presign binds a market maker and its receiving address to a trade before
// selection.
type Presign struct {
	PMMID          string `json:"pmmId"`
	PMMRecvAddress string `json:"pmmRecvAddress"`
	Signature      string `json:"signature"`
}

// FeeDetails carries the router's protocol fee terms for a trade.
type FeeDetails struct {
	ProtocolFee  string `json:"protocolFee"` // base units, decimal string
	FeeRecipient string `json:"feeRecipient"`
}

// RouterInfo describes the router's on-chain identity.
type RouterInfo struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

// AssetChainConfig is the per-network contract surface for one role.
type AssetChainConfig struct {
	NetworkID        string `json:"networkId"`
	PaymentContract  string `json:"paymentContract"`
	MultisigContract string `json:"multisigContract,omitempty"`
	ProgramID        string `json:"programId,omitempty"` // Solana payment program
	FeeVault         string `json:"feeVault,omitempty"`
}

// SubmitSettlementRequest is the proof-of-payment payload POSTed after a
// successful transfer.
type SubmitSettlementRequest struct {
	TradeIDs     []string `json:"tradeIds"`
	PMMID        string   `json:"pmmId"`
	SettlementTx string   `json:"settlementTx"`
	Signature    string   `json:"signature"`
	StartIndex   int64    `json:"startIndex"`
	SignedAt     int64    `json:"signedAt"`
}
