// Package backend provides Bitcoin chain data access through redundant
// block-explorer providers. This package is read-only for private keys -
// all signing happens in the transfer engines.
package backend

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrAllProviders    = errors.New("all providers failed")
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	Value     uint64 `json:"value"` // satoshis
	Confirmed bool   `json:"confirmed"`
}

// TxStatus holds confirmation info for a transaction.
type TxStatus struct {
	TxID        string `json:"txid"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// FeeEstimates maps confirmation targets (blocks) to fee rates (sat/vB).
type FeeEstimates map[int]float64

// Cheapest returns the lowest positive rate across all targets, or 0 when no
// estimates are available.
func (f FeeEstimates) Cheapest() float64 {
	var best float64
	for _, rate := range f {
		if rate > 0 && (best == 0 || rate < best) {
			best = rate
		}
	}
	return best
}

// Provider is one block-explorer-style data source.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressBalance(ctx context.Context, address string) (uint64, error)
	GetFeeEstimates(ctx context.Context) (FeeEstimates, error)
	GetTxStatus(ctx context.Context, txid string) (*TxStatus, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}
