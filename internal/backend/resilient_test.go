package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubProvider struct {
	name    string
	height  int64
	err     error
	calls   atomic.Int32
	balance uint64
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return nil, p.err
}

func (p *stubProvider) GetAddressBalance(ctx context.Context, address string) (uint64, error) {
	p.calls.Add(1)
	return p.balance, p.err
}

func (p *stubProvider) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	return FeeEstimates{1: 20, 3: 10, 6: 5}, p.err
}

func (p *stubProvider) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	return &TxStatus{TxID: txid, Confirmed: true}, p.err
}

func (p *stubProvider) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return "txid", p.err
}

func (p *stubProvider) GetBlockHeight(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	return p.height, p.err
}

func fastConfig() ResilientConfig {
	return ResilientConfig{MaxRetries: 2, RetryDelay: time.Millisecond, RateLimit: 0}
}

func TestResilientFirstSuccessWins(t *testing.T) {
	down := &stubProvider{name: "down", err: errors.New("503")}
	up := &stubProvider{name: "up", height: 850000}
	r := NewResilient([]Provider{down, up}, fastConfig())

	h, err := r.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if h != 850000 {
		t.Errorf("height = %d, want the healthy provider's answer", h)
	}
}

func TestResilientAllFail(t *testing.T) {
	a := &stubProvider{name: "a", err: errors.New("503")}
	b := &stubProvider{name: "b", err: errors.New("timeout")}
	r := NewResilient([]Provider{a, b}, fastConfig())

	_, err := r.GetBlockHeight(context.Background())
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	// Both retry rounds ran.
	if a.calls.Load() != 2 {
		t.Errorf("provider a called %d times, want one per round", a.calls.Load())
	}
}

func TestResilientContextCancel(t *testing.T) {
	slow := &stubProvider{name: "slow", err: errors.New("down")}
	r := NewResilient([]Provider{slow}, ResilientConfig{MaxRetries: 100, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.GetBlockHeight(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFeeEstimatesCheapest(t *testing.T) {
	f := FeeEstimates{1: 20, 3: 10, 6: 5}
	if got := f.Cheapest(); got != 5 {
		t.Errorf("Cheapest = %f, want 5", got)
	}

	if got := (FeeEstimates{}).Cheapest(); got != 0 {
		t.Errorf("empty Cheapest = %f, want 0", got)
	}

	// Zero and negative rates are ignored.
	f = FeeEstimates{1: 0, 3: -1, 6: 7}
	if got := f.Cheapest(); got != 7 {
		t.Errorf("Cheapest = %f, want 7", got)
	}
}
