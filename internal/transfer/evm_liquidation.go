package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Phathdt/pmm-sub000/internal/evm"
	"github.com/Phathdt/pmm-sub000/internal/notify"
	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

const liquidationABIJSON = `[
	{"name":"liquidationPayment","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"tradeId","type":"bytes32"},
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"repayAmount","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"signatures","type":"bytes[]"}
	],"outputs":[]}
]`

// liquidationMetadata is the trade metadata shape for LIQUID trades.
type liquidationMetadata struct {
	RepayAmount string `json:"repayAmount"`
}

// LiquidationStrategy settles liquidation trades through the multisig
// contract. A contract revert is not an error here: the selector is surfaced
// as the payment result so the solver learns the liquidation outcome.
type LiquidationStrategy struct {
	executor  *evm.Executor
	solver    solver.Client
	notifier  notify.Notifier
	approvers []*btcec.PrivateKey
	log       *logging.Logger

	liquidation abi.ABI

	mu        sync.Mutex
	contracts map[string]common.Address // multisig contract per network id
}

// NewLiquidationStrategy wires the liquidation engine. At least two approver
// keys are required by the multisig threshold.
func NewLiquidationStrategy(executor *evm.Executor, sol solver.Client, notifier notify.Notifier, approvers []*btcec.PrivateKey) (*LiquidationStrategy, error) {
	if len(approvers) < 2 {
		return nil, ErrApproversRequired
	}
	liq, err := abi.JSON(strings.NewReader(liquidationABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse liquidation abi: %w", err)
	}
	return &LiquidationStrategy{
		executor:    executor,
		solver:      sol,
		notifier:    notifier,
		approvers:   approvers,
		log:         logging.GetDefault().Component("liquidation"),
		liquidation: liq,
		contracts:   make(map[string]common.Address),
	}, nil
}

func (s *LiquidationStrategy) multisigContract(ctx context.Context, networkID string) (common.Address, error) {
	s.mu.Lock()
	if addr, ok := s.contracts[networkID]; ok {
		s.mu.Unlock()
		return addr, nil
	}
	s.mu.Unlock()

	cfg, err := s.solver.GetAssetChainConfig(ctx, networkID, "liquidation")
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to resolve multisig contract: %w", err)
	}
	if !common.IsHexAddress(cfg.MultisigContract) {
		return common.Address{}, fmt.Errorf("no multisig contract configured for %s", networkID)
	}
	addr := common.HexToAddress(cfg.MultisigContract)

	s.mu.Lock()
	s.contracts[networkID] = addr
	s.mu.Unlock()
	return addr, nil
}

func (s *LiquidationStrategy) Transfer(ctx context.Context, p *Params) (*Result, error) {
	networkID := p.Network.ID
	contract, err := s.multisigContract(ctx, networkID)
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

	tokenAddr := common.Address{}
	if !p.Token.Native() {
		if !common.IsHexAddress(p.Token.Address) {
			return nil, fmt.Errorf("invalid token address %q", p.Token.Address)
		}
		tokenAddr = common.HexToAddress(p.Token.Address)
	}

	repay := big.NewInt(0)
	if len(p.Metadata) > 0 {
		var meta liquidationMetadata
		if err := json.Unmarshal(p.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("invalid liquidation metadata: %w", err)
		}
		if meta.RepayAmount != "" {
			var ok bool
			repay, ok = new(big.Int).SetString(meta.RepayAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid repay amount %q", meta.RepayAmount)
			}
		}
	}

	deadline := time.Now().Add(paymentDeadline).Unix()
	sigs, err := s.approverSignatures(tradeID, tokenAddr, recipient, p.Amount, repay, deadline)
	if err != nil {
		return nil, err
	}

	data, err := s.liquidation.Pack("liquidationPayment",
		tradeID, tokenAddr, recipient, p.Amount, repay, big.NewInt(deadline), sigs)
	if err != nil {
		return nil, fmt.Errorf("failed to pack liquidation call: %w", err)
	}

	hash, err := s.executor.Execute(ctx, networkID, evm.TxRequest{To: contract, Data: data})
	if err != nil {
		if sel, ok := RevertSelector(err); ok {
			s.log.Warn("Liquidation reverted",
				"network", networkID, "trade_id", p.TradeID,
				"selector", common.Bytes2Hex(sel[:]))
			return &Result{Kind: Reverted, Selector: sel}, nil
		}
		return nil, fmt.Errorf("liquidation submission failed: %w", err)
	}

	receipt, err := s.executor.WaitMined(ctx, networkID, hash, 0)
	if err != nil {
		return nil, fmt.Errorf("liquidation not mined: %w", err)
	}
	if receipt.Status == 0 {
		return nil, fmt.Errorf("liquidation transaction %s reverted on chain", hash.Hex())
	}

	s.log.Info("Liquidation settled", "network", networkID, "trade_id", p.TradeID, "tx", hash.Hex())
	return &Result{Kind: Submitted, TxID: hash.Hex()}, nil
}

// approverSignatures collects each approver's signature over the request and
// deadline, the tuple the multisig contract verifies.
func (s *LiquidationStrategy) approverSignatures(tradeID [32]byte, token, to common.Address, amount, repay *big.Int, deadline int64) ([][]byte, error) {
	var buf []byte
	buf = append(buf, tradeID[:]...)
	buf = append(buf, common.LeftPadBytes(token.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(to.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(amount.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(repay.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(deadline).Bytes(), 32)...)
	digest := crypto.Keccak256(buf)

	sigs := make([][]byte, 0, len(s.approvers))
	for i, key := range s.approvers {
		sig, err := crypto.Sign(digest, key.ToECDSA())
		if err != nil {
			return nil, fmt.Errorf("approver %d signature failed: %w", i, err)
		}
		sig[64] += 27
		sigs = append(sigs, sig)
	}
	return sigs, nil
}
