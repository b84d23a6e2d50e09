// Package settlement drives a trade from commitment through transfer and
// proof submission to the solver.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/queue"
	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/internal/storage"
	"github.com/Phathdt/pmm-sub000/internal/tokens"
	"github.com/Phathdt/pmm-sub000/internal/transfer"
	"github.com/Phathdt/pmm-sub000/internal/wallet"
	"github.com/Phathdt/pmm-sub000/pkg/helpers"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

const (
	// MaxRetries bounds transfer attempts per trade.
	MaxRetries = 60

	// RetryDelay is the fixed wait between transfer attempts.
	RetryDelay = 60 * time.Second

	// SettlementWindow is how long a signed commitment stays valid.
	SettlementWindow = 1800 * time.Second
)

// Queue names, one transfer queue per chain family plus submission.
const (
	QueueTransferEVM    = "settlement.transfer.evm"
	QueueTransferBTC    = "settlement.transfer.btc"
	QueueTransferSolana = "settlement.transfer.solana"
	QueueSubmit         = "settlement.submit"
)

// ErrAddressMismatch means the presign's receiving address does not match
// the locally derived one. Settling anyway would pay the counterparty to an
// address we do not control, so this fails closed.
var ErrAddressMismatch = fmt.Errorf("presign receiving address does not match local wallet")

// TransferSettlementEvent asks a transfer processor to settle one trade.
type TransferSettlementEvent struct {
	TradeID string `json:"tradeId"`
}

// SubmitSettlementEvent asks the submit processor to prove one settlement.
type SubmitSettlementEvent struct {
	TradeID     string `json:"tradeId"`
	PaymentTxID string `json:"paymentTxId"`
}

// Orchestrator owns the trade settlement state machine.
type Orchestrator struct {
	pmmID      string
	store      *storage.Storage
	dispatcher *queue.Dispatcher
	solver     solver.Client
	signer     *solver.Signer
	factory    *transfer.Factory
	directory  tokens.Directory
	keys       *wallet.Keys
	log        *logging.Logger

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New wires the orchestrator and registers its queue handlers.
func New(pmmID string, store *storage.Storage, dispatcher *queue.Dispatcher, sol solver.Client, signer *solver.Signer, factory *transfer.Factory, directory tokens.Directory, keys *wallet.Keys) *Orchestrator {
	o := &Orchestrator{
		pmmID:      pmmID,
		store:      store,
		dispatcher: dispatcher,
		solver:     sol,
		signer:     signer,
		factory:    factory,
		directory:  directory,
		keys:       keys,
		log:        logging.GetDefault().Component("settlement"),
	}
	dispatcher.Register(QueueTransferEVM, o.handleTransfer)
	dispatcher.Register(QueueTransferBTC, o.handleTransfer)
	dispatcher.Register(QueueTransferSolana, o.handleTransfer)
	dispatcher.Register(QueueSubmit, o.handleSubmit)
	return o
}

// SettlementSignature is the commitment returned to the router.
type SettlementSignature struct {
	TradeID   string
	Signature string // 0x-hex
	Deadline  int64  // unix seconds
}

// GetSettlementSignature signs a commitment binding this PMM to settle the
// trade, and records the trade locally. A repeated call supersedes the
// previous record for the same trade id.
func (o *Orchestrator) GetSettlementSignature(ctx context.Context, tradeID string) (*SettlementSignature, error) {
	presigns, err := o.solver.GetSettlementPresigns(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch presigns: %w", err)
	}
	trade, err := o.solver.GetTradeData(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade: %w", err)
	}

	var own *solver.Presign
	for i := range presigns {
		if presigns[i].PMMID == o.pmmID {
			own = &presigns[i]
			break
		}
	}
	if own == nil {
		return nil, fmt.Errorf("no presign recorded for pmm %s on trade %s", o.pmmID, tradeID)
	}

	// The router recorded where we said we would receive the source asset.
	// It must still match the wallet we actually control.
	fromToken, err := o.directory.GetTokenByID(trade.FromTokenID)
	if err != nil {
		return nil, err
	}
	fromNetwork, ok := chain.Get(fromToken.NetworkID)
	if !ok {
		return nil, fmt.Errorf("unknown network %s", fromToken.NetworkID)
	}
	localAddr, err := o.keys.ReceivingAddress(fromNetwork.Type)
	if err != nil {
		return nil, err
	}
	if !addressEqual(fromNetwork.Type, own.PMMRecvAddress, localAddr) {
		o.log.Error("Presign address mismatch",
			"trade_id", tradeID, "recorded", own.PMMRecvAddress, "local", localAddr)
		return nil, ErrAddressMismatch
	}

	amountOut, err := parseAmount(trade.ToChain.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("invalid amountOut: %w", err)
	}

	deadline := time.Now().Add(SettlementWindow).Unix()
	hash, err := solver.CommitInfoHash(
		pmmIDBytes32(o.pmmID),
		[]byte(own.PMMRecvAddress),
		[]byte(trade.ToChain.NetworkID),
		[]byte(trade.ToChain.Token),
		amountOut,
		deadline,
	)
	if err != nil {
		return nil, err
	}
	sig, err := o.signer.Sign(solver.SignatureTypeVerifyingContract, hash)
	if err != nil {
		return nil, err
	}

	// The router's deadline bounds settlement; our signed window only
	// bounds how long the commitment itself stays valid.
	record := &storage.Trade{
		TradeID:            tradeID,
		Status:             storage.TradeStatusCommitted,
		FromTokenID:        trade.FromTokenID,
		ToTokenID:          trade.ToTokenID,
		FromUser:           trade.FromUser,
		ToUser:             trade.ToUser,
		Amount:             trade.Amount,
		TradeDeadline:      trade.TradeDeadline,
		CommitmentDeadline: deadline,
		ScriptDeadline:     trade.ScriptDeadline,
		TradeType:          storage.TradeType(trade.TradeType),
		IsLiquid:           trade.IsLiquid,
		CommitmentQuote:    trade.ToChain.AmountOut,
		Metadata:           string(trade.Metadata),
		CreatedAt:          time.Now(),
	}
	if err := o.store.ReplaceTrade(record); err != nil {
		return nil, err
	}

	o.log.Info("Settlement commitment signed", "trade_id", tradeID, "deadline", deadline)
	return &SettlementSignature{
		TradeID:   tradeID,
		Signature: helpers.BytesToHex(sig),
		Deadline:  deadline,
	}, nil
}

// AckSettlement records the router's selection outcome for a trade.
func (o *Orchestrator) AckSettlement(ctx context.Context, tradeID string, chosen bool) error {
	if !chosen {
		if err := o.store.UpdateTradeStatusFrom(tradeID, storage.TradeStatusCommitted, storage.TradeStatusFailed); err != nil {
			return err
		}
		o.log.Info("Trade not chosen", "trade_id", tradeID)
		return nil
	}
	if err := o.store.UpdateTradeStatusFrom(tradeID, storage.TradeStatusCommitted, storage.TradeStatusSelected); err != nil {
		return err
	}
	o.log.Info("Trade selected", "trade_id", tradeID)
	return nil
}

// SignalPayment starts the settlement transfer for a selected trade. The
// status gate makes a duplicate signal a no-op.
func (o *Orchestrator) SignalPayment(ctx context.Context, tradeID string) error {
	trade, err := o.store.GetTrade(tradeID)
	if err != nil {
		return err
	}

	toToken, err := o.directory.GetTokenByID(trade.ToTokenID)
	if err != nil {
		return err
	}
	network, ok := chain.Get(toToken.NetworkID)
	if !ok {
		return fmt.Errorf("unknown network %s", toToken.NetworkID)
	}
	queueName, err := transferQueue(network.Type)
	if err != nil {
		return err
	}

	if err := o.store.UpdateTradeStatusFrom(tradeID, storage.TradeStatusSelected, storage.TradeStatusSettling); err != nil {
		return err
	}

	payload, err := marshalEvent(TransferSettlementEvent{TradeID: tradeID})
	if err != nil {
		return err
	}
	// Embed the commitment time so a trade re-quoted after a supersede does
	// not dedup against the finished job of an earlier commitment.
	jobID := fmt.Sprintf("transfer-%s-%d", tradeID, trade.CreatedAt.Unix())
	if err := o.dispatcher.Enqueue(queueName, payload, queue.Options{JobID: jobID}); err != nil {
		return err
	}

	o.log.Info("Settlement transfer queued", "trade_id", tradeID, "queue", queueName)
	return nil
}

func transferQueue(t chain.NetworkType) (string, error) {
	switch {
	case t == chain.NetworkTypeEVM:
		return QueueTransferEVM, nil
	case t.IsBitcoin():
		return QueueTransferBTC, nil
	case t == chain.NetworkTypeSolana:
		return QueueTransferSolana, nil
	}
	return "", fmt.Errorf("no transfer queue for network type %s", t)
}

// addressEqual compares chain addresses; EVM addresses are case-insensitive.
func addressEqual(t chain.NetworkType, a, b string) bool {
	if t == chain.NetworkTypeEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// pmmIDBytes32 maps the configured PMM identifier into the bytes32 the
// router's verifier uses: raw when already 32 hex bytes, hashed otherwise.
func pmmIDBytes32(pmmID string) [32]byte {
	var out [32]byte
	if raw, err := helpers.HexToBytes(pmmID); err == nil && len(raw) == 32 {
		copy(out[:], raw)
		return out
	}
	copy(out[:], crypto.Keccak256([]byte(pmmID)))
	return out
}
