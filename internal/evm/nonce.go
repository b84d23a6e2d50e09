// Package evm provides EVM transaction submission with managed nonces and
// capped gas pricing.
package evm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// NonceSource exposes the chain read the manager needs.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// networkNonce is the cached next-nonce for one network. Access is
// single-writer: refresh-then-read under the lock, never interleaved.
type networkNonce struct {
	mu     sync.Mutex
	nonce  uint64
	loaded bool
}

// NonceManager caches the next account nonce per network. Callers never read
// or advance nonces directly; they go through Next and report failures with
// OnNonceError so the cache resyncs from the chain.
type NonceManager struct {
	account common.Address
	sources map[string]NonceSource // by network id
	log     *logging.Logger

	mu     sync.Mutex
	nonces map[string]*networkNonce

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNonceManager creates a manager for one account across networks.
func NewNonceManager(account common.Address, sources map[string]NonceSource) *NonceManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &NonceManager{
		account: account,
		sources: sources,
		log:     logging.GetDefault().Component("nonce"),
		nonces:  make(map[string]*networkNonce),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *NonceManager) state(network string) *networkNonce {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[network]
	if !ok {
		n = &networkNonce{}
		m.nonces[network] = n
	}
	return n
}

// Next returns the next nonce for the network and advances the cache.
// The cache is lazily seeded from the chain's pending nonce.
func (m *NonceManager) Next(ctx context.Context, network string) (uint64, error) {
	src, ok := m.sources[network]
	if !ok {
		return 0, fmt.Errorf("unknown network %s", network)
	}

	n := m.state(network)
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.loaded {
		pending, err := src.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch pending nonce: %w", err)
		}
		n.nonce = pending
		n.loaded = true
	}

	nonce := n.nonce
	n.nonce++
	return nonce, nil
}

// OnNonceError forces a resync from the chain after a nonce-class send
// failure and returns the fresh nonce.
func (m *NonceManager) OnNonceError(ctx context.Context, network string) (uint64, error) {
	src, ok := m.sources[network]
	if !ok {
		return 0, fmt.Errorf("unknown network %s", network)
	}

	n := m.state(network)
	n.mu.Lock()
	defer n.mu.Unlock()

	pending, err := src.PendingNonceAt(ctx, m.account)
	if err != nil {
		return 0, fmt.Errorf("failed to resync nonce: %w", err)
	}

	m.log.Warn("Nonce resynced after error", "network", network, "cached", n.nonce, "chain", pending)
	// PendingNonceAt already names the nonce the next transaction must use;
	// the following Next hands it out and advances past it.
	n.nonce = pending
	n.loaded = true
	return pending, nil
}

// StartRefresh launches a background loop resyncing all cached nonces at the
// given interval, guarding against drift from untracked external sends.
func (m *NonceManager) StartRefresh(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.refreshAll()
			}
		}
	}()
}

func (m *NonceManager) refreshAll() {
	m.mu.Lock()
	networks := make([]string, 0, len(m.nonces))
	for id, n := range m.nonces {
		if n.loaded {
			networks = append(networks, id)
		}
	}
	m.mu.Unlock()

	for _, id := range networks {
		src := m.sources[id]
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		pending, err := src.PendingNonceAt(ctx, m.account)
		cancel()
		if err != nil {
			m.log.Warn("Background nonce refresh failed", "network", id, "error", err)
			continue
		}

		n := m.state(id)
		n.mu.Lock()
		if pending > n.nonce {
			m.log.Debug("Nonce drift corrected", "network", id, "cached", n.nonce, "chain", pending)
			n.nonce = pending
		}
		n.mu.Unlock()
	}
}

// Close stops the background refresh.
func (m *NonceManager) Close() {
	m.cancel()
}
