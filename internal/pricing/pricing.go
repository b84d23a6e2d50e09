// Package pricing provides USD token prices from redundant oracles with
// wrapped-symbol normalization and a short TTL cache.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// ErrAllOracles indicates every oracle failed for every retry round.
var ErrAllOracles = errors.New("all price oracles failed")

// Oracle is one independent price source.
type Oracle interface {
	Name() string
	// Price returns the USD price for a normalized symbol ("BTC", "ETH").
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// stablecoins settle at a fixed 1.0 without a network call.
var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"TUSD": true,
	"USDD": true,
}

// wrapped maps wrapped-token symbols to their underlying asset.
var wrapped = map[string]string{
	"WBTC":  "BTC",
	"TBTC":  "BTC",
	"CBBTC": "BTC",
	"WETH":  "ETH",
	"WSOL":  "SOL",
	"WBNB":  "BNB",
}

// Normalize maps a token symbol to the canonical symbol used for lookups and
// cache keys.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if underlying, ok := wrapped[s]; ok {
		return underlying
	}
	return s
}

// IsStablecoin reports whether the (normalized) symbol is pinned to 1 USD.
func IsStablecoin(symbol string) bool {
	return stablecoins[Normalize(symbol)]
}

type cacheEntry struct {
	price   decimal.Decimal
	expires time.Time
}

// Config tunes the price service.
type Config struct {
	CacheTTL   time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Service resolves token prices across oracles.
type Service struct {
	oracles []Oracle
	cfg     Config
	log     *logging.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewService creates a price service over the given oracles.
func NewService(oracles []Oracle, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Service{
		oracles: oracles,
		cfg:     cfg,
		log:     logging.GetDefault().Component("pricing"),
		cache:   make(map[string]cacheEntry),
	}
}

// Price returns the USD price for a token symbol. Wrapped symbols resolve to
// their underlying asset; stablecoins short-circuit at 1.0; successful
// lookups are cached for the TTL under the normalized symbol.
func (s *Service) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	norm := Normalize(symbol)

	if stablecoins[norm] {
		return decimal.NewFromInt(1), nil
	}

	s.mu.Lock()
	if entry, ok := s.cache[norm]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.price, nil
	}
	s.mu.Unlock()

	price, err := s.lookup(ctx, norm)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	s.cache[norm] = cacheEntry{price: price, expires: time.Now().Add(s.cfg.CacheTTL)}
	s.mu.Unlock()

	return price, nil
}

// lookup races all oracles, retrying the whole round on total failure.
func (s *Service) lookup(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error

	for round := 0; round < s.cfg.MaxRetries; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		type outcome struct {
			price decimal.Decimal
			err   error
		}

		raceCtx, cancel := context.WithCancel(ctx)
		results := make(chan outcome, len(s.oracles))
		for _, o := range s.oracles {
			go func(o Oracle) {
				p, err := o.Price(raceCtx, symbol)
				if err != nil {
					results <- outcome{err: fmt.Errorf("%s: %w", o.Name(), err)}
					return
				}
				if p.Sign() <= 0 {
					results <- outcome{err: fmt.Errorf("%s: non-positive price", o.Name())}
					return
				}
				results <- outcome{price: p}
			}(o)
		}

		for i := 0; i < len(s.oracles); i++ {
			select {
			case <-ctx.Done():
				cancel()
				return decimal.Zero, ctx.Err()
			case res := <-results:
				if res.err == nil {
					cancel()
					return res.price, nil
				}
				lastErr = res.err
			}
		}
		cancel()

		s.log.Warn("All price oracles failed", "symbol", symbol, "round", round+1, "error", lastErr)
	}

	return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrAllOracles, symbol, lastErr)
}
