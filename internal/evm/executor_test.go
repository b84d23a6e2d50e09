package evm

import (
	"errors"
	"math/big"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorClass
	}{
		{"nonce too low: next nonce 5, tx nonce 3", ErrClassNonce},
		{"already known", ErrClassNonce},
		{"replacement transaction underpriced", ErrClassNonce},
		{"intrinsic gas too low", ErrClassGasLimit},
		{"exceeds block gas limit", ErrClassGasLimit},
		{"transaction underpriced", ErrClassGasPrice},
		{"max fee per gas less than block base fee", ErrClassGasPrice},
		{"insufficient funds for gas * price + value", ErrClassFunds},
		{"execution reverted", ErrClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
	if ClassifyError(nil) != ErrClassUnknown {
		t.Error("nil error should classify as unknown")
	}
}

func TestCapPrice(t *testing.T) {
	wei := func(n int64) *big.Int { return big.NewInt(n) }

	tests := []struct {
		name    string
		max     *big.Int
		price   *big.Int
		ceiling *big.Int
		want    int64
	}{
		{"under both caps", wei(100), wei(50), wei(80), 50},
		{"ceiling binds", wei(100), wei(90), wei(80), 80},
		{"global max binds", wei(60), wei(90), wei(80), 60},
		{"no ceiling", wei(100), wei(50), nil, 50},
		{"no global max", nil, wei(90), wei(80), 80},
		{"neither", nil, wei(90), nil, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Executor{maxGasPriceWei: tt.max}
			orig := tt.price.Int64()
			got := e.capPrice(tt.price, tt.ceiling)
			if got.Int64() != tt.want {
				t.Errorf("capPrice = %d, want %d", got.Int64(), tt.want)
			}
			if tt.price.Int64() != orig {
				t.Error("capPrice mutated its input")
			}
		})
	}
}

func TestSendErrorUnwraps(t *testing.T) {
	inner := errors.New("nonce too low")
	se := &SendError{Class: ErrClassNonce, Err: inner}
	if !errors.Is(se, inner) {
		t.Error("SendError must unwrap to the node error")
	}
	if se.Error() != inner.Error() {
		t.Errorf("Error() = %q, want %q", se.Error(), inner.Error())
	}
}
