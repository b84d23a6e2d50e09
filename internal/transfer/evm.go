package transfer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Phathdt/pmm-sub000/internal/evm"
	"github.com/Phathdt/pmm-sub000/internal/notify"
	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const paymentABIJSON = `[
	{"name":"payment","type":"function","stateMutability":"payable","inputs":[
		{"name":"tradeId","type":"bytes32"},
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"protocolFee","type":"uint256"},
		{"name":"feeRecipient","type":"address"},
		{"name":"deadline","type":"uint256"}
	],"outputs":[]}
]`

// paymentDeadline bounds how long a submitted payment stays valid on chain.
const paymentDeadline = 30 * time.Minute

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EVMStrategy settles trades through the per-network payment contract.
type EVMStrategy struct {
	executor *evm.Executor
	solver   solver.Client
	notifier notify.Notifier
	log      *logging.Logger

	erc20   abi.ABI
	payment abi.ABI

	mu        sync.Mutex
	contracts map[string]common.Address // payment contract per network id
}

// NewEVMStrategy wires the standard EVM settlement engine.
func NewEVMStrategy(executor *evm.Executor, sol solver.Client, notifier notify.Notifier) (*EVMStrategy, error) {
	erc20, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	payment, err := abi.JSON(strings.NewReader(paymentABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment abi: %w", err)
	}
	return &EVMStrategy{
		executor:  executor,
		solver:    sol,
		notifier:  notifier,
		log:       logging.GetDefault().Component("evm-transfer"),
		erc20:     erc20,
		payment:   payment,
		contracts: make(map[string]common.Address),
	}, nil
}

// paymentContract resolves and caches the payment contract for a network.
func (s *EVMStrategy) paymentContract(ctx context.Context, networkID string) (common.Address, error) {
	s.mu.Lock()
	if addr, ok := s.contracts[networkID]; ok {
		s.mu.Unlock()
		return addr, nil
	}
	s.mu.Unlock()

	cfg, err := s.solver.GetAssetChainConfig(ctx, networkID, "payment")
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to resolve payment contract: %w", err)
	}
	if !common.IsHexAddress(cfg.PaymentContract) {
		return common.Address{}, fmt.Errorf("invalid payment contract %q for %s", cfg.PaymentContract, networkID)
	}
	addr := common.HexToAddress(cfg.PaymentContract)

	s.mu.Lock()
	s.contracts[networkID] = addr
	s.mu.Unlock()
	return addr, nil
}

func (s *EVMStrategy) Transfer(ctx context.Context, p *Params) (*Result, error) {
	networkID := p.Network.ID
	contract, err := s.paymentContract(ctx, networkID)
	if err != nil {
		return nil, err
	}

	tradeID, err := tradeIDBytes(p.TradeID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.ToUser) {
		return nil, fmt.Errorf("invalid recipient address %q", p.ToUser)
	}
	recipient := common.HexToAddress(p.ToUser)

	fee := p.ProtocolFee
	if fee == nil {
		fee = big.NewInt(0)
	}
	total := new(big.Int).Add(p.Amount, fee)

	feeRecipient := common.Address{}
	if common.IsHexAddress(p.FeeRecipient) {
		feeRecipient = common.HexToAddress(p.FeeRecipient)
	}

	tokenAddr := common.Address{}
	var value *big.Int
	if p.Token.Native() {
		value = total
		if err := s.checkNativeBalance(ctx, networkID, total); err != nil {
			return nil, err
		}
	} else {
		if !common.IsHexAddress(p.Token.Address) {
			return nil, fmt.Errorf("invalid token address %q", p.Token.Address)
		}
		tokenAddr = common.HexToAddress(p.Token.Address)
		if err := s.checkTokenBalance(ctx, networkID, tokenAddr, total); err != nil {
			return nil, err
		}
		if err := s.ensureAllowance(ctx, networkID, tokenAddr, contract, total); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(paymentDeadline).Unix()
	data, err := s.payment.Pack("payment",
		tradeID, tokenAddr, recipient, p.Amount, fee, feeRecipient, big.NewInt(deadline))
	if err != nil {
		return nil, fmt.Errorf("failed to pack payment call: %w", err)
	}

	hash, err := s.executor.Execute(ctx, networkID, evm.TxRequest{
		To:    contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			return nil, fmt.Errorf("payment reverted: %s", reason)
		}
		return nil, fmt.Errorf("payment submission failed: %w", err)
	}

	receipt, err := s.executor.WaitMined(ctx, networkID, hash, 0)
	if err != nil {
		return nil, fmt.Errorf("payment not mined: %w", err)
	}
	if receipt.Status == 0 {
		return nil, fmt.Errorf("payment transaction %s reverted on chain", hash.Hex())
	}

	s.log.Info("Payment settled", "network", networkID, "trade_id", p.TradeID, "tx", hash.Hex())
	return &Result{Kind: Submitted, TxID: hash.Hex()}, nil
}

func (s *EVMStrategy) checkNativeBalance(ctx context.Context, networkID string, needed *big.Int) error {
	client, err := s.executor.Client(networkID)
	if err != nil {
		return err
	}
	bal, err := client.BalanceAt(ctx, s.executor.From(), nil)
	if err != nil {
		return fmt.Errorf("failed to check balance: %w", err)
	}
	if bal.Cmp(needed) < 0 {
		s.notifier.Notify(ctx, notify.SeverityAlert, "Insufficient native balance",
			fmt.Sprintf("network=%s have=%s need=%s", networkID, bal, needed))
		return fmt.Errorf("%w: have %s, need %s on %s", ErrInsufficientFunds, bal, needed, networkID)
	}
	return nil
}

func (s *EVMStrategy) checkTokenBalance(ctx context.Context, networkID string, token common.Address, needed *big.Int) error {
	bal, err := s.callUint(ctx, networkID, token, "balanceOf", s.executor.From())
	if err != nil {
		return fmt.Errorf("failed to check token balance: %w", err)
	}
	if bal.Cmp(needed) < 0 {
		s.notifier.Notify(ctx, notify.SeverityAlert, "Insufficient token balance",
			fmt.Sprintf("network=%s token=%s have=%s need=%s", networkID, token.Hex(), bal, needed))
		return fmt.Errorf("%w: have %s, need %s of %s on %s", ErrInsufficientFunds, bal, needed, token.Hex(), networkID)
	}
	return nil
}

// ensureAllowance makes the payment contract's allowance cover needed. Tokens
// like USDT refuse nonzero-to-nonzero approvals, so a stale allowance is
// reset to zero first, then set to max.
func (s *EVMStrategy) ensureAllowance(ctx context.Context, networkID string, token, spender common.Address, needed *big.Int) error {
	allowance, err := s.callUint(ctx, networkID, token, "allowance", s.executor.From(), spender)
	if err != nil {
		return fmt.Errorf("failed to check allowance: %w", err)
	}
	if allowance.Cmp(needed) >= 0 {
		return nil
	}

	if allowance.Sign() > 0 {
		if err := s.approve(ctx, networkID, token, spender, big.NewInt(0)); err != nil {
			return fmt.Errorf("failed to reset allowance: %w", err)
		}
	}
	if err := s.approve(ctx, networkID, token, spender, maxUint256); err != nil {
		return fmt.Errorf("failed to approve: %w", err)
	}
	return nil
}

func (s *EVMStrategy) approve(ctx context.Context, networkID string, token, spender common.Address, amount *big.Int) error {
	data, err := s.erc20.Pack("approve", spender, amount)
	if err != nil {
		return err
	}
	hash, err := s.executor.Execute(ctx, networkID, evm.TxRequest{To: token, Data: data})
	if err != nil {
		return err
	}
	receipt, err := s.executor.WaitMined(ctx, networkID, hash, 0)
	if err != nil {
		return err
	}
	if receipt.Status == 0 {
		return fmt.Errorf("approve transaction %s reverted", hash.Hex())
	}
	s.log.Debug("Allowance updated", "network", networkID, "token", token.Hex(), "amount", amount)
	return nil
}

func (s *EVMStrategy) callUint(ctx context.Context, networkID string, to common.Address, method string, args ...any) (*big.Int, error) {
	client, err := s.executor.Client(networkID)
	if err != nil {
		return nil, err
	}
	data, err := s.erc20.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{From: s.executor.From(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := s.erc20.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	val, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s return type", method)
	}
	return val, nil
}

// dataError is the shape go-ethereum RPC errors expose revert data through.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// RevertData extracts raw revert bytes from an RPC error, if present.
func RevertData(err error) ([]byte, bool) {
	for e := err; e != nil; e = unwrap(e) {
		de, ok := e.(dataError)
		if !ok {
			continue
		}
		hexStr, ok := de.ErrorData().(string)
		if !ok {
			continue
		}
		raw := common.FromHex(hexStr)
		if len(raw) >= 4 {
			return raw, true
		}
	}
	return nil, false
}

// RevertReason decodes a solidity Error(string) revert from an RPC error.
func RevertReason(err error) (string, bool) {
	raw, ok := RevertData(err)
	if !ok {
		return "", false
	}
	reason, uerr := abi.UnpackRevert(raw)
	if uerr != nil {
		return common.Bytes2Hex(raw[:4]), true
	}
	return reason, true
}

// RevertSelector extracts the 4-byte selector of a custom revert error.
func RevertSelector(err error) ([4]byte, bool) {
	var sel [4]byte
	raw, ok := RevertData(err)
	if !ok {
		return sel, false
	}
	copy(sel[:], raw[:4])
	return sel, true
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
