package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// TxRequest describes one transaction to submit. Zero-valued gas fields are
// derived from the chain.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte

	// Optional explicit gas settings. GasLimit wins over estimation;
	// MaxFeePerGas/MaxPriorityFeePerGas win over derivation; GasPrice forces
	// a legacy transaction.
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ErrorClass categorizes a failed send so callers can pick the right
// remediation instead of blind retries.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassNonce              // resync and retry
	ErrClassGasLimit           // re-estimate
	ErrClassGasPrice           // fee too low or capped out
	ErrClassFunds              // insufficient balance, do not retry
)

// SendError wraps a submission failure with its classification.
type SendError struct {
	Class ErrorClass
	Err   error
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// ClassifyError buckets node error strings. Node implementations word these
// differently, so matching is substring-based and lowercase.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrClassUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return ErrClassNonce
	case strings.Contains(msg, "gas limit"),
		strings.Contains(msg, "out of gas"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "exceeds block gas limit"):
		return ErrClassGasLimit
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "max fee per gas"),
		strings.Contains(msg, "fee cap"),
		strings.Contains(msg, "tip cap"):
		return ErrClassGasPrice
	case strings.Contains(msg, "insufficient funds"):
		return ErrClassFunds
	}
	return ErrClassUnknown
}

// Executor signs and submits transactions on a set of EVM networks, deriving
// gas parameters and recovering once from nonce drift.
type Executor struct {
	clients        map[string]*ethclient.Client // by network id
	chainIDs       map[string]*big.Int
	key            *ecdsa.PrivateKey
	from           common.Address
	nonces         *NonceManager
	gasLimitBuffer float64 // multiplier applied to estimates, e.g. 1.2
	fallbackGas    uint64
	maxGasPriceWei *big.Int // global ceiling, nil for none
	log            *logging.Logger
}

// ExecutorConfig carries the knobs the executor does not learn from the chain.
type ExecutorConfig struct {
	GasLimitBuffer   float64
	FallbackGasLimit uint64
	MaxGasPriceWei   *big.Int
}

// NewExecutor wires an executor over already-dialed clients.
func NewExecutor(clients map[string]*ethclient.Client, chainIDs map[string]*big.Int, key *ecdsa.PrivateKey, from common.Address, nonces *NonceManager, cfg ExecutorConfig) *Executor {
	if cfg.GasLimitBuffer <= 0 {
		cfg.GasLimitBuffer = 1.2
	}
	if cfg.FallbackGasLimit == 0 {
		cfg.FallbackGasLimit = 500_000
	}
	return &Executor{
		clients:        clients,
		chainIDs:       chainIDs,
		key:            key,
		from:           from,
		nonces:         nonces,
		gasLimitBuffer: cfg.GasLimitBuffer,
		fallbackGas:    cfg.FallbackGasLimit,
		maxGasPriceWei: cfg.MaxGasPriceWei,
		log:            logging.GetDefault().Component("executor"),
	}
}

// Client returns the dialed client for a network, for read-side callers.
func (e *Executor) Client(network string) (*ethclient.Client, error) {
	c, ok := e.clients[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %s", network)
	}
	return c, nil
}

// From returns the sending address.
func (e *Executor) From() common.Address { return e.from }

// Execute signs and broadcasts the request, returning the submitted hash.
// Nonce-class failures trigger exactly one resync-and-retry.
func (e *Executor) Execute(ctx context.Context, network string, req TxRequest) (common.Hash, error) {
	client, ok := e.clients[network]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown network %s", network)
	}
	chainID, ok := e.chainIDs[network]
	if !ok {
		return common.Hash{}, fmt.Errorf("no chain id for network %s", network)
	}

	hash, err := e.send(ctx, client, chainID, network, req, false)
	if err == nil {
		return hash, nil
	}

	if ClassifyError(err) == ErrClassNonce {
		e.log.Warn("Send failed on nonce, resyncing", "network", network, "error", err)
		if _, rerr := e.nonces.OnNonceError(ctx, network); rerr != nil {
			return common.Hash{}, &SendError{Class: ErrClassNonce, Err: fmt.Errorf("nonce resync failed: %w", rerr)}
		}
		hash, err = e.send(ctx, client, chainID, network, req, true)
		if err == nil {
			return hash, nil
		}
	}

	return common.Hash{}, &SendError{Class: ClassifyError(err), Err: err}
}

func (e *Executor) send(ctx context.Context, client *ethclient.Client, chainID *big.Int, network string, req TxRequest, retried bool) (common.Hash, error) {
	nonce, err := e.nonces.Next(ctx, network)
	if err != nil {
		return common.Hash{}, err
	}

	gasLimit, err := e.gasLimit(ctx, client, req)
	if err != nil {
		return common.Hash{}, err
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var tx *types.Transaction
	if req.GasPrice != nil {
		price := e.capPrice(req.GasPrice, nil)
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gasLimit,
			To:       &req.To,
			Value:    value,
			Data:     req.Data,
		})
	} else {
		maxFee, tip, err := e.feeCaps(ctx, client, req)
		if err != nil {
			return common.Hash{}, err
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: maxFee,
			Gas:       gasLimit,
			To:        &req.To,
			Value:     value,
			Data:      req.Data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}

	e.log.Info("Transaction submitted",
		"network", network, "hash", signed.Hash().Hex(),
		"nonce", nonce, "gas", gasLimit, "retried", retried)
	return signed.Hash(), nil
}

// gasLimit resolves the gas limit: explicit > estimate with buffer > fallback.
func (e *Executor) gasLimit(ctx context.Context, client *ethclient.Client, req TxRequest) (uint64, error) {
	if req.GasLimit > 0 {
		return req.GasLimit, nil
	}
	est, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    &req.To,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		e.log.Warn("Gas estimation failed, using fallback", "fallback", e.fallbackGas, "error", err)
		return e.fallbackGas, nil
	}
	return uint64(float64(est) * e.gasLimitBuffer), nil
}

// feeCaps resolves EIP-1559 fees. When not supplied explicitly, maxFee is
// 2x base fee plus the suggested tip, capped at min(3x base fee, caller max).
// The tip is always clamped to maxFee.
func (e *Executor) feeCaps(ctx context.Context, client *ethclient.Client, req TxRequest) (maxFee, tip *big.Int, err error) {
	if req.MaxFeePerGas != nil {
		maxFee = new(big.Int).Set(req.MaxFeePerGas)
		tip = req.MaxPriorityFeePerGas
		if tip == nil {
			tip = new(big.Int).Set(maxFee)
		}
	} else {
		header, herr := client.HeaderByNumber(ctx, nil)
		if herr != nil {
			return nil, nil, fmt.Errorf("failed to fetch head for fee derivation: %w", herr)
		}
		if header.BaseFee == nil {
			price, perr := client.SuggestGasPrice(ctx)
			if perr != nil {
				return nil, nil, fmt.Errorf("failed to suggest gas price: %w", perr)
			}
			price = e.capPrice(price, nil)
			return price, price, nil
		}
		tip, err = client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to suggest tip: %w", err)
		}
		maxFee = new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)

		ceiling := new(big.Int).Mul(header.BaseFee, big.NewInt(3))
		maxFee = e.capPrice(maxFee, ceiling)
	}

	if tip.Cmp(maxFee) > 0 {
		tip = new(big.Int).Set(maxFee)
	}
	return maxFee, tip, nil
}

// capPrice clamps price by the optional per-call ceiling and the global
// configured maximum, whichever is lower.
func (e *Executor) capPrice(price, ceiling *big.Int) *big.Int {
	capped := new(big.Int).Set(price)
	if ceiling != nil && capped.Cmp(ceiling) > 0 {
		capped.Set(ceiling)
	}
	if e.maxGasPriceWei != nil && e.maxGasPriceWei.Sign() > 0 && capped.Cmp(e.maxGasPriceWei) > 0 {
		capped.Set(e.maxGasPriceWei)
	}
	return capped
}

// WaitMined polls for the receipt of a submitted transaction.
func (e *Executor) WaitMined(ctx context.Context, network string, hash common.Hash, poll time.Duration) (*types.Receipt, error) {
	client, ok := e.clients[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %s", network)
	}
	if poll <= 0 {
		poll = 3 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
