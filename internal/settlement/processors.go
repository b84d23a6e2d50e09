package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/queue"
	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/internal/storage"
	"github.com/Phathdt/pmm-sub000/internal/transfer"
	"github.com/Phathdt/pmm-sub000/pkg/helpers"
)

// handleTransfer settles one trade. Delivery is at-least-once, so every
// step re-checks state before acting.
func (o *Orchestrator) handleTransfer(ctx context.Context, payload []byte) queue.Result {
	var event TransferSettlementEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("bad payload: %w", err)}
	}
	tradeID := event.TradeID

	// Selection can move to another PMM between signal and processing.
	// Not an error: the trade simply is not ours to settle.
	selection, err := o.solver.GetPMMSelection(ctx, tradeID)
	if err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: RetryDelay, Err: fmt.Errorf("selection check failed: %w", err)}
	}
	if selection.SelectedPMMID != o.pmmID {
		o.log.Info("Trade belongs to another pmm, skipping", "trade_id", tradeID, "selected", selection.SelectedPMMID)
		return queue.Result{Outcome: queue.Skip}
	}

	record, err := o.store.GetTrade(tradeID)
	if errors.Is(err, storage.ErrTradeNotFound) {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("trade %s missing from store", tradeID)}
	}
	if err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: RetryDelay, Err: err}
	}

	// A trade already past SETTLING was handled by an earlier delivery.
	if record.Status != storage.TradeStatusSettling {
		o.log.Info("Trade not settling, skipping", "trade_id", tradeID, "status", record.Status)
		return queue.Result{Outcome: queue.Skip}
	}

	if time.Now().Unix() > record.TradeDeadline {
		o.log.Error("Trade deadline passed", "trade_id", tradeID, "deadline", record.TradeDeadline)
		if err := o.store.UpdateTradeStatus(tradeID, storage.TradeStatusFailed); err != nil {
			o.log.Error("Failed to fail expired trade", "trade_id", tradeID, "error", err)
		}
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("trade %s expired", tradeID)}
	}

	trade, err := o.solver.GetTradeData(ctx, tradeID)
	if err != nil {
		return o.retryOrFail(record, fmt.Errorf("failed to fetch trade data: %w", err))
	}

	// Keep the amount actually settled next to the committed one; the router
	// may have refreshed it between commitment and settlement.
	if err := o.store.SetTradeSettlementQuote(tradeID, trade.ToChain.AmountOut); err != nil {
		o.log.Warn("Failed to record settlement quote", "trade_id", tradeID, "error", err)
	}

	result, err := o.executeTransfer(ctx, record, trade)
	if err != nil {
		if errors.Is(err, transfer.ErrInsufficientFunds) {
			// Operator was notified by the engine; topping up and
			// re-signaling is a manual step.
			return queue.Result{Outcome: queue.Fatal, Err: err}
		}
		return o.retryOrFail(record, err)
	}

	submitPayload, err := marshalEvent(SubmitSettlementEvent{
		TradeID:     tradeID,
		PaymentTxID: result.PaymentID(),
	})
	if err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}
	submitJobID := fmt.Sprintf("submit-%s-%d", tradeID, record.CreatedAt.Unix())
	if err := o.dispatcher.Enqueue(QueueSubmit, submitPayload, queue.Options{JobID: submitJobID}); err != nil {
		return o.retryOrFail(record, fmt.Errorf("failed to queue submission: %w", err))
	}

	o.log.Info("Transfer complete", "trade_id", tradeID, "payment", result.PaymentID())
	return queue.Result{Outcome: queue.Done}
}

func (o *Orchestrator) executeTransfer(ctx context.Context, record *storage.Trade, trade *solver.TradeData) (*transfer.Result, error) {
	token, err := o.directory.GetToken(trade.ToChain.NetworkID, trade.ToChain.Token)
	if err != nil {
		return nil, err
	}
	network, ok := chain.Get(token.NetworkID)
	if !ok {
		return nil, fmt.Errorf("unknown network %s", token.NetworkID)
	}

	strategy, err := o.factory.Strategy(network.Type, trade.TradeType)
	if err != nil {
		return nil, err
	}

	amount, err := parseAmount(trade.ToChain.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("invalid amountOut: %w", err)
	}

	var protocolFee *big.Int
	var feeRecipient string
	fees, err := o.solver.GetFeeDetails(ctx, trade.TradeID)
	if err != nil {
		o.log.Warn("Fee details unavailable", "trade_id", trade.TradeID, "error", err)
	} else if fees.ProtocolFee != "" {
		protocolFee, err = parseAmount(fees.ProtocolFee)
		if err != nil {
			return nil, fmt.Errorf("invalid protocol fee: %w", err)
		}
		feeRecipient = fees.FeeRecipient
	}

	return strategy.Transfer(ctx, &transfer.Params{
		TradeID:      trade.TradeID,
		Network:      network,
		Token:        token,
		FromUser:     trade.FromUser,
		ToUser:       trade.ToChain.Recipient,
		Amount:       amount,
		ProtocolFee:  protocolFee,
		FeeRecipient: feeRecipient,
		Metadata:     trade.Metadata,
	})
}

// retryOrFail reschedules a transient failure at the fixed delay until the
// retry budget runs out, then fails the trade.
func (o *Orchestrator) retryOrFail(record *storage.Trade, cause error) queue.Result {
	if record.RetryCount >= MaxRetries {
		o.log.Error("Transfer retries exhausted", "trade_id", record.TradeID, "attempts", record.RetryCount, "error", cause)
		if err := o.store.UpdateTradeStatus(record.TradeID, storage.TradeStatusFailed); err != nil {
			o.log.Error("Failed to fail trade", "trade_id", record.TradeID, "error", err)
		}
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("retries exhausted: %w", cause)}
	}
	next := record.RetryCount + 1
	if err := o.store.SetTradeRetryCount(record.TradeID, next); err != nil {
		o.log.Error("Failed to persist retry count", "trade_id", record.TradeID, "error", err)
	}
	o.log.Warn("Transfer failed, will retry", "trade_id", record.TradeID, "attempt", next, "error", cause)
	return queue.Result{Outcome: queue.Retry, Delay: RetryDelay, Err: cause}
}

// handleSubmit proves a completed transfer to the solver. By this point the
// funds have left the wallet, so a submission failure is never final: the
// proof is retried until the solver takes it.
func (o *Orchestrator) handleSubmit(ctx context.Context, payload []byte) queue.Result {
	var event SubmitSettlementEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("bad payload: %w", err)}
	}

	record, err := o.store.GetTrade(event.TradeID)
	if errors.Is(err, storage.ErrTradeNotFound) {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("trade %s missing from store", event.TradeID)}
	}
	if err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}
	if record.Status == storage.TradeStatusCompleted {
		return queue.Result{Outcome: queue.Skip}
	}

	tradeID, err := tradeIDBytes32(event.TradeID)
	if err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}

	signedAt := time.Now().Unix()
	hash, err := solver.MakePaymentHash([][32]byte{tradeID}, signedAt, 0, paymentTxBytes(event.PaymentTxID))
	if err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}
	sig, err := o.signer.Sign(solver.SignatureTypeMakePayment, hash)
	if err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}

	err = o.solver.SubmitSettlementTx(ctx, &solver.SubmitSettlementRequest{
		TradeIDs:     []string{event.TradeID},
		PMMID:        o.pmmID,
		SettlementTx: event.PaymentTxID,
		Signature:    helpers.BytesToHex(sig),
		StartIndex:   0,
		SignedAt:     signedAt,
	})
	if err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: RetryDelay, Err: fmt.Errorf("settlement submission failed: %w", err)}
	}

	if err := o.store.MarkTradeCompleted(event.TradeID, event.PaymentTxID); err != nil {
		o.log.Error("Failed to complete trade", "trade_id", event.TradeID, "error", err)
	}

	o.log.Info("Settlement submitted", "trade_id", event.TradeID, "payment", event.PaymentTxID)
	return queue.Result{Outcome: queue.Done}
}

func marshalEvent(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	return v, nil
}

func tradeIDBytes32(tradeID string) ([32]byte, error) {
	var out [32]byte
	raw, err := helpers.HexToBytes(tradeID)
	if err != nil {
		return out, fmt.Errorf("invalid trade id %q: %w", tradeID, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("trade id must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// paymentTxBytes normalizes a payment id for hashing: hex ids hash as raw
// bytes, anything else (e.g. base58 Solana signatures) as its text bytes.
func paymentTxBytes(txID string) []byte {
	if raw, err := helpers.HexToBytes(txID); err == nil && len(raw) > 0 {
		return raw
	}
	return []byte(txID)
}
