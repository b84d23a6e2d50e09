package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// coingeckoIDs maps normalized symbols to coingecko asset ids.
var coingeckoIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
	"SOL": "solana",
	"BNB": "binancecoin",
	"POL": "polygon-ecosystem-token",
}

// CoingeckoOracle reads the coingecko simple-price API.
type CoingeckoOracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoingeckoOracle creates a coingecko-compatible oracle.
func NewCoingeckoOracle(baseURL string) *CoingeckoOracle {
	return &CoingeckoOracle{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *CoingeckoOracle) Name() string { return "coingecko" }

// Price returns the USD price for a normalized symbol.
func (o *CoingeckoOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id, ok := coingeckoIDs[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no coingecko id for %s", symbol)
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", o.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}

	raw, ok := result[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("no usd price in response")
	}
	return decimal.NewFromString(raw.String())
}

// BinanceOracle reads the binance spot ticker API.
type BinanceOracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewBinanceOracle creates a binance-compatible oracle.
func NewBinanceOracle(baseURL string) *BinanceOracle {
	return &BinanceOracle{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *BinanceOracle) Name() string { return "binance" }

// Price returns the USD price via the USDT spot pair.
func (o *BinanceOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/ticker/price?symbol=%sUSDT", o.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}
	return decimal.NewFromString(result.Price)
}

var (
	_ Oracle = (*CoingeckoOracle)(nil)
	_ Oracle = (*BinanceOracle)(nil)
)
