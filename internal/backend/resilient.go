package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// ResilientConfig tunes the multi-provider race.
type ResilientConfig struct {
	MaxRetries int           // rounds of the whole race before giving up
	RetryDelay time.Duration // fixed delay between rounds
	RateLimit  int           // requests per second per provider (0 = unlimited)
}

// DefaultResilientConfig returns the default configuration.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		RateLimit:  4,
	}
}

// guardedProvider wraps a provider with a circuit breaker and rate limiter.
type guardedProvider struct {
	Provider
	breaker *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter
}

// Resilient fans requests out across redundant providers: every provider is
// tried concurrently and the first success wins. A provider that keeps
// failing is opened by its breaker and skipped until it cools down.
type Resilient struct {
	providers []*guardedProvider
	cfg       ResilientConfig
	log       *logging.Logger
}

// NewResilient wraps the given providers.
func NewResilient(providers []Provider, cfg ResilientConfig) *Resilient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	guarded := make([]*guardedProvider, len(providers))
	for i, p := range providers {
		var limiter ratelimit.Limiter
		if cfg.RateLimit > 0 {
			limiter = ratelimit.New(cfg.RateLimit)
		} else {
			limiter = ratelimit.NewUnlimited()
		}
		guarded[i] = &guardedProvider{
			Provider: p,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    p.Name(),
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}),
			limiter: limiter,
		}
	}

	return &Resilient{
		providers: guarded,
		cfg:       cfg,
		log:       logging.GetDefault().Component("backend"),
	}
}

// race runs op against all providers concurrently and returns the first
// successful result. The whole race is retried cfg.MaxRetries times.
func race[T any](ctx context.Context, r *Resilient, what string, op func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for round := 0; round < r.cfg.MaxRetries; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
		}

		type outcome struct {
			val T
			err error
		}

		raceCtx, cancel := context.WithCancel(ctx)
		results := make(chan outcome, len(r.providers))

		for _, gp := range r.providers {
			go func(gp *guardedProvider) {
				gp.limiter.Take()
				val, err := gp.breaker.Execute(func() (interface{}, error) {
					return op(raceCtx, gp.Provider)
				})
				if err != nil {
					results <- outcome{err: fmt.Errorf("%s: %w", gp.Name(), err)}
					return
				}
				results <- outcome{val: val.(T)}
			}(gp)
		}

		var roundErr error
		for i := 0; i < len(r.providers); i++ {
			select {
			case <-ctx.Done():
				cancel()
				return zero, ctx.Err()
			case res := <-results:
				if res.err == nil {
					cancel()
					return res.val, nil
				}
				roundErr = res.err
			}
		}
		cancel()

		lastErr = roundErr
		r.log.Warn("All providers failed", "op", what, "round", round+1, "error", roundErr)
	}

	return zero, fmt.Errorf("%w: %s: %v", ErrAllProviders, what, lastErr)
}

// GetAddressUTXOs returns unspent outputs for an address.
func (r *Resilient) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return race(ctx, r, "utxos", func(ctx context.Context, p Provider) ([]UTXO, error) {
		return p.GetAddressUTXOs(ctx, address)
	})
}

// GetAddressBalance returns the confirmed balance for an address.
func (r *Resilient) GetAddressBalance(ctx context.Context, address string) (uint64, error) {
	return race(ctx, r, "balance", func(ctx context.Context, p Provider) (uint64, error) {
		return p.GetAddressBalance(ctx, address)
	})
}

// GetFeeEstimates returns fee estimates from the first responsive provider.
func (r *Resilient) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	return race(ctx, r, "fee-estimates", func(ctx context.Context, p Provider) (FeeEstimates, error) {
		return p.GetFeeEstimates(ctx)
	})
}

// GetTxStatus returns confirmation status for a transaction.
func (r *Resilient) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	return race(ctx, r, "tx-status", func(ctx context.Context, p Provider) (*TxStatus, error) {
		return p.GetTxStatus(ctx, txid)
	})
}

// BroadcastTransaction submits a raw transaction through the providers.
// An "already in mempool" style rejection from one provider after another
// accepted is indistinguishable from success; first acceptance wins.
func (r *Resilient) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return race(ctx, r, "broadcast", func(ctx context.Context, p Provider) (string, error) {
		return p.BroadcastTransaction(ctx, rawTxHex)
	})
}

// GetBlockHeight returns the current tip height.
func (r *Resilient) GetBlockHeight(ctx context.Context) (int64, error) {
	return race(ctx, r, "tip-height", func(ctx context.Context, p Provider) (int64, error) {
		return p.GetBlockHeight(ctx)
	})
}
