// Package transfer moves destination assets to users. Each supported chain
// family has a strategy; the factory picks one per (network type, trade type).
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/tokens"
	"github.com/Phathdt/pmm-sub000/pkg/helpers"
)

// Transfer errors. ErrInsufficientFunds is permanent: retrying cannot help
// until an operator tops the wallet up.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds for transfer")
	ErrNoStrategy         = errors.New("no transfer strategy for network/trade type")
	ErrApproversRequired  = errors.New("liquidation requires at least two approver keys")
)

// Params describes one settlement transfer.
type Params struct {
	TradeID string // 0x-prefixed 32-byte trade identifier

	Network *chain.Network
	Token   *tokens.Token

	FromUser string
	ToUser   string

	Amount       *big.Int
	ProtocolFee  *big.Int
	FeeRecipient string

	// Opaque trade metadata, e.g. liquidation payment details.
	Metadata json.RawMessage
}

// ResultKind tags a transfer outcome.
type ResultKind int

const (
	// Submitted means a transaction was broadcast and its id recorded.
	Submitted ResultKind = iota
	// Reverted means the payment contract rejected the call; the revert
	// selector stands in for a transaction id downstream.
	Reverted
)

// Result is the outcome of one transfer attempt.
type Result struct {
	Kind ResultKind

	// TxID is the broadcast transaction hash or signature (Submitted only).
	TxID string

	// Selector is the 4-byte revert selector (Reverted only).
	Selector [4]byte
}

// PaymentID returns the identifier reported to the solver: the transaction
// id when submitted, or the revert selector zero-padded to 32 bytes.
func (r *Result) PaymentID() string {
	if r.Kind == Submitted {
		return r.TxID
	}
	padded := helpers.PadRight(r.Selector[:], 32)
	return helpers.BytesToHex(padded)
}

// Strategy executes one transfer on one chain family.
type Strategy interface {
	Transfer(ctx context.Context, p *Params) (*Result, error)
}

type strategyKey struct {
	network chain.NetworkType
	trade   string
}

// Factory routes transfers to strategies.
type Factory struct {
	strategies map[strategyKey]Strategy
	defaults   map[chain.NetworkType]Strategy
}

// NewFactory builds an empty factory.
func NewFactory() *Factory {
	return &Factory{
		strategies: make(map[strategyKey]Strategy),
		defaults:   make(map[chain.NetworkType]Strategy),
	}
}

// Register binds the default strategy for a network type.
func (f *Factory) Register(network chain.NetworkType, s Strategy) {
	f.defaults[network] = s
}

// RegisterForTradeType binds a strategy for a specific trade type, taking
// precedence over the network default.
func (f *Factory) RegisterForTradeType(network chain.NetworkType, tradeType string, s Strategy) {
	f.strategies[strategyKey{network: network, trade: tradeType}] = s
}

// Strategy picks the engine for a transfer.
func (f *Factory) Strategy(network chain.NetworkType, tradeType string) (Strategy, error) {
	if s, ok := f.strategies[strategyKey{network: network, trade: tradeType}]; ok {
		return s, nil
	}
	if s, ok := f.defaults[network]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoStrategy, network, tradeType)
}

// tradeIDBytes decodes the 0x-hex trade id into its 32-byte form.
func tradeIDBytes(tradeID string) ([32]byte, error) {
	var out [32]byte
	raw, err := helpers.HexToBytes(tradeID)
	if err != nil {
		return out, fmt.Errorf("invalid trade id %q: %w", tradeID, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("trade id must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
