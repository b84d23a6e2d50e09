package pricing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"btc", "BTC"},
		{" WBTC ", "BTC"},
		{"tBTC", "BTC"},
		{"cbBTC", "BTC"},
		{"WETH", "ETH"},
		{"SOL", "SOL"},
		{"usdc", "USDC"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsStablecoin(t *testing.T) {
	for _, s := range []string{"USDT", "usdc", "DAI"} {
		if !IsStablecoin(s) {
			t.Errorf("IsStablecoin(%q) = false, want true", s)
		}
	}
	if IsStablecoin("BTC") {
		t.Error("BTC is not a stablecoin")
	}
}

type stubOracle struct {
	name  string
	price decimal.Decimal
	err   error
	calls atomic.Int32
}

func (o *stubOracle) Name() string { return o.name }

func (o *stubOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	o.calls.Add(1)
	if o.err != nil {
		return decimal.Zero, o.err
	}
	return o.price, nil
}

func TestPriceStablecoinShortCircuit(t *testing.T) {
	oracle := &stubOracle{name: "stub", price: decimal.NewFromInt(42)}
	svc := NewService([]Oracle{oracle}, Config{})

	p, err := svc.Price(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("failed to price: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(1)) {
		t.Errorf("USDT price = %s, want 1", p)
	}
	if oracle.calls.Load() != 0 {
		t.Error("stablecoin lookup must not hit oracles")
	}
}

func TestPriceCachesUnderNormalizedSymbol(t *testing.T) {
	oracle := &stubOracle{name: "stub", price: decimal.NewFromInt(65000)}
	svc := NewService([]Oracle{oracle}, Config{CacheTTL: time.Minute})

	if _, err := svc.Price(context.Background(), "BTC"); err != nil {
		t.Fatalf("failed to price: %v", err)
	}
	// WBTC normalizes to BTC and must hit the cache.
	if _, err := svc.Price(context.Background(), "WBTC"); err != nil {
		t.Fatalf("failed to price: %v", err)
	}
	if got := oracle.calls.Load(); got != 1 {
		t.Errorf("oracle calls = %d, want 1 (second lookup cached)", got)
	}
}

func TestPriceFallsBackAcrossOracles(t *testing.T) {
	bad := &stubOracle{name: "bad", err: errors.New("down")}
	good := &stubOracle{name: "good", price: decimal.NewFromInt(3000)}
	svc := NewService([]Oracle{bad, good}, Config{MaxRetries: 1, RetryDelay: time.Millisecond})

	p, err := svc.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("failed to price: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("price = %s, want the healthy oracle's answer", p)
	}
}

func TestPriceAllOraclesFail(t *testing.T) {
	bad := &stubOracle{name: "bad", err: errors.New("down")}
	svc := NewService([]Oracle{bad}, Config{MaxRetries: 2, RetryDelay: time.Millisecond})

	_, err := svc.Price(context.Background(), "ETH")
	if !errors.Is(err, ErrAllOracles) {
		t.Fatalf("err = %v, want ErrAllOracles", err)
	}
	if got := bad.calls.Load(); got != 2 {
		t.Errorf("oracle calls = %d, want one per retry round", got)
	}
}

func TestPriceRejectsNonPositive(t *testing.T) {
	zero := &stubOracle{name: "zero", price: decimal.Zero}
	svc := NewService([]Oracle{zero}, Config{MaxRetries: 1, RetryDelay: time.Millisecond})

	if _, err := svc.Price(context.Background(), "ETH"); !errors.Is(err, ErrAllOracles) {
		t.Errorf("err = %v, want ErrAllOracles for a zero price", err)
	}
}
