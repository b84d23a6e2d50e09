package rebalance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Phathdt/pmm-sub000/internal/config"
	"github.com/Phathdt/pmm-sub000/internal/notify"
	"github.com/Phathdt/pmm-sub000/internal/pricing"
	"github.com/Phathdt/pmm-sub000/internal/queue"
	"github.com/Phathdt/pmm-sub000/internal/storage"
	"github.com/Phathdt/pmm-sub000/internal/transfer"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// Queue names for the rebalancing pipeline.
const (
	QueueQuote    = "rebalance.quote"
	QueueTransfer = "rebalance.transfer"
)

// retryDelay is the fixed wait between rebalance attempts.
const retryDelay = 60 * time.Second

// rebalanceEvent is the payload for both pipeline queues.
type rebalanceEvent struct {
	RebalanceID string `json:"rebalanceId"`
}

// Orchestrator owns the rebalancing state machine: it scans idle Bitcoin
// inventory, quotes conversions through the aggregator, sends deposits, and
// tracks swaps to completion.
type Orchestrator struct {
	store      *storage.Storage
	dispatcher *queue.Dispatcher
	btc        *transfer.BTCEngine
	prices     *pricing.Service
	agg        Aggregator
	notifier   notify.Notifier
	cfg        config.RebalanceConfig
	log        *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestrator and registers its queue handlers.
func New(store *storage.Storage, dispatcher *queue.Dispatcher, btc *transfer.BTCEngine, prices *pricing.Service, agg Aggregator, notifier notify.Notifier, cfg config.RebalanceConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		btc:        btc,
		prices:     prices,
		agg:        agg,
		notifier:   notifier,
		cfg:        cfg,
		log:        logging.GetDefault().Component("rebalance"),
		ctx:        ctx,
		cancel:     cancel,
	}
	dispatcher.Register(QueueQuote, o.handleQuote)
	dispatcher.Register(QueueTransfer, o.handleTransfer)
	return o
}

// Start launches the balance scan and swap status polling loops.
func (o *Orchestrator) Start() {
	o.wg.Add(2)
	go o.scanLoop()
	go o.pollLoop()
}

// Stop cancels the loops and waits for them.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// ---------------------------------------------------------------------------
// Quote stage

func (o *Orchestrator) handleQuote(ctx context.Context, payload []byte) queue.Result {
	var event rebalanceEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("bad payload: %w", err)}
	}

	rec, err := o.store.GetRebalance(event.RebalanceID)
	if errors.Is(err, storage.ErrRebalanceNotFound) {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}
	if err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: err}
	}

	if err := o.store.UpdateRebalanceStatusFrom(rec.ID, storage.RebalanceStatusPending, storage.RebalanceStatusQuoteRequested); err != nil {
		o.log.Info("Rebalance not pending, skipping", "id", rec.ID, "status", rec.Status)
		return queue.Result{Outcome: queue.Skip}
	}

	oracle, err := o.prices.Price(ctx, "BTC")
	if err != nil {
		o.rollback(rec.ID, storage.RebalanceStatusQuoteRequested, fmt.Sprintf("oracle unavailable: %v", err))
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: fmt.Errorf("oracle unavailable: %w", err)}
	}

	q, err := o.agg.GetQuote(ctx, &QuoteRequest{
		FromNetwork:   rec.FromNetwork,
		ToNetwork:     rec.ToNetwork,
		Amount:        fmt.Sprintf("%d", rec.RealAmount),
		RefundAddress: o.btc.Address(),
		Recipient:     o.cfg.VaultAddress,
	})
	if err != nil {
		o.rollback(rec.ID, storage.RebalanceStatusQuoteRequested, fmt.Sprintf("quote failed: %v", err))
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: fmt.Errorf("quote failed: %w", err)}
	}

	quoted, err := decimal.NewFromString(q.QuotedPrice)
	if err != nil {
		o.rollback(rec.ID, storage.RebalanceStatusQuoteRequested, fmt.Sprintf("invalid quoted price %q", q.QuotedPrice))
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: fmt.Errorf("invalid quoted price %q: %w", q.QuotedPrice, err)}
	}

	bps := SlippageBps(quoted, oracle)
	if bps > o.cfg.SlippageBpsLimit {
		o.log.Warn("Quote rejected on slippage",
			"id", rec.ID, "quoted", quoted, "oracle", oracle,
			"bps", bps, "limit", o.cfg.SlippageBpsLimit)
		o.notifier.Notify(ctx, notify.SeverityWarn, "Rebalance quote rejected",
			fmt.Sprintf("id=%s slippage=%dbps limit=%dbps", rec.ID, bps, o.cfg.SlippageBpsLimit))
		if err := o.store.SetRebalanceRetryCount(rec.ID, rec.RetryCount+1); err != nil {
			o.log.Error("Failed to bump retry count", "id", rec.ID, "error", err)
		}
		o.rollback(rec.ID, storage.RebalanceStatusQuoteRequested,
			fmt.Sprintf("quote rejected: slippage %dbps over limit %dbps (oracle %s, quoted %s)",
				bps, o.cfg.SlippageBpsLimit, oracle, quoted))
		return queue.Result{Outcome: queue.Done}
	}

	if err := o.store.SetRebalanceQuote(rec.ID, &storage.RebalanceQuote{
		QuoteID:        q.QuoteID,
		QuoteAmount:    q.AmountOut,
		DepositAddress: q.DepositAddress,
		OraclePrice:    oracle.String(),
		QuotePrice:     quoted.String(),
		SlippageBps:    bps,
	}); err != nil {
		o.rollback(rec.ID, storage.RebalanceStatusQuoteRequested, fmt.Sprintf("failed to persist quote: %v", err))
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: err}
	}
	if err := o.store.UpdateRebalanceStatusFrom(rec.ID, storage.RebalanceStatusQuoteRequested, storage.RebalanceStatusQuoteAccepted); err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: err}
	}

	payloadOut, _ := json.Marshal(rebalanceEvent{RebalanceID: rec.ID})
	// The retry count in the job id lets a later attempt re-enter the
	// pipeline past the dedup key of a finished earlier attempt.
	jobID := fmt.Sprintf("rebalance-transfer-%s-%d", rec.ID, rec.RetryCount)
	if err := o.dispatcher.Enqueue(QueueTransfer, payloadOut, queue.Options{JobID: jobID}); err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: err}
	}

	o.log.Info("Quote accepted", "id", rec.ID, "quote_id", q.QuoteID, "slippage_bps", bps)
	return queue.Result{Outcome: queue.Done}
}

// rollback returns a record to PENDING with an annotation saying why.
func (o *Orchestrator) rollback(id string, from storage.RebalanceStatus, cause string) {
	if err := o.store.SetRebalanceError(id, cause); err != nil {
		o.log.Error("Failed to annotate rollback", "id", id, "error", err)
	}
	if err := o.store.UpdateRebalanceStatusFrom(id, from, storage.RebalanceStatusPending); err != nil {
		o.log.Error("Rollback failed", "id", id, "from", from, "error", err)
	}
}

// SlippageBps returns the deviation of quoted from oracle in basis points,
// rounded up so a boundary reject stays a reject.
func SlippageBps(quoted, oracle decimal.Decimal) int64 {
	if oracle.IsZero() {
		return 0
	}
	diff := quoted.Sub(oracle).Abs()
	return diff.Mul(decimal.NewFromInt(10000)).Div(oracle).Ceil().IntPart()
}

// ---------------------------------------------------------------------------
// Transfer stage

func (o *Orchestrator) handleTransfer(ctx context.Context, payload []byte) queue.Result {
	var event rebalanceEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("bad payload: %w", err)}
	}

	rec, err := o.store.GetRebalance(event.RebalanceID)
	if errors.Is(err, storage.ErrRebalanceNotFound) {
		return queue.Result{Outcome: queue.Fatal, Err: err}
	}
	if err != nil {
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: err}
	}

	if rec.Status != storage.RebalanceStatusQuoteAccepted {
		o.log.Info("Rebalance not quote-accepted, skipping", "id", rec.ID, "status", rec.Status)
		return queue.Result{Outcome: queue.Skip}
	}
	if rec.DepositAddress == "" {
		return queue.Result{Outcome: queue.Fatal, Err: fmt.Errorf("rebalance %s has no deposit address", rec.ID)}
	}

	txid, err := o.btc.Send(ctx, rec.DepositAddress, uint64(rec.RealAmount), nil)
	if err != nil {
		if errors.Is(err, transfer.ErrInsufficientFunds) {
			return queue.Result{Outcome: queue.Fatal, Err: err}
		}
		// Quote stays accepted; deposit is retried against the same quote.
		o.log.Warn("Deposit failed, will retry", "id", rec.ID, "error", err)
		return queue.Result{Outcome: queue.Retry, Delay: retryDelay, Err: err}
	}

	if err := o.store.SetRebalanceDepositTx(rec.ID, txid); err != nil {
		o.log.Error("Failed to record deposit tx", "id", rec.ID, "txid", txid, "error", err)
	}

	// Advisory only; the aggregator discovers the deposit on chain itself.
	if err := o.agg.SubmitDeposit(ctx, rec.QuoteID, txid); err != nil {
		o.log.Warn("Deposit notification failed", "id", rec.ID, "error", err)
	}

	if err := o.store.UpdateRebalanceStatusFrom(rec.ID, storage.RebalanceStatusQuoteAccepted, storage.RebalanceStatusDepositSubmitted); err != nil {
		o.log.Error("Failed to mark deposit submitted", "id", rec.ID, "error", err)
	}

	o.log.Info("Rebalance deposit sent", "id", rec.ID, "txid", txid, "amount_sats", rec.RealAmount)
	return queue.Result{Outcome: queue.Done}
}

// ---------------------------------------------------------------------------
// Swap status polling

func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()

	interval := o.cfg.StatusPollEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.pollOnce()
		}
	}
}

func (o *Orchestrator) pollOnce() {
	for _, status := range []storage.RebalanceStatus{
		storage.RebalanceStatusDepositSubmitted,
		storage.RebalanceStatusSwapProcessing,
	} {
		recs, err := o.store.ListRebalancesByStatus(status)
		if err != nil {
			o.log.Error("Failed to list rebalances", "status", status, "error", err)
			continue
		}
		for _, rec := range recs {
			o.pollSwap(rec)
		}
	}
	o.checkStuck()
}

func (o *Orchestrator) pollSwap(rec *storage.Rebalance) {
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()

	state, err := o.agg.GetStatus(ctx, rec.DepositAddress)
	if err != nil {
		o.log.Warn("Swap status check failed", "id", rec.ID, "error", err)
		return
	}

	switch state.Status {
	case SwapStatusSuccess:
		if state.AmountOut != "" {
			if err := o.store.SetRebalanceActualAmount(rec.ID, state.AmountOut); err != nil {
				o.log.Error("Failed to record settled amount", "id", rec.ID, "error", err)
			}
		}
		if err := o.store.UpdateRebalanceStatus(rec.ID, storage.RebalanceStatusCompleted); err != nil {
			o.log.Error("Failed to complete rebalance", "id", rec.ID, "error", err)
			return
		}
		o.notifier.Notify(ctx, notify.SeverityInfo, "Rebalance completed",
			fmt.Sprintf("id=%s amount_sats=%d", rec.ID, rec.RealAmount))
	case SwapStatusFailed:
		if err := o.store.SetRebalanceError(rec.ID, "aggregator reported swap failed"); err != nil {
			o.log.Error("Failed to annotate swap failure", "id", rec.ID, "error", err)
		}
		if err := o.store.UpdateRebalanceStatus(rec.ID, storage.RebalanceStatusPending); err != nil {
			o.log.Error("Failed to reset rebalance", "id", rec.ID, "error", err)
			return
		}
		o.notifier.Notify(ctx, notify.SeverityWarn, "Rebalance swap failed",
			fmt.Sprintf("id=%s quote_id=%s, will re-quote", rec.ID, rec.QuoteID))
	case SwapStatusRefunded:
		if err := o.store.UpdateRebalanceStatus(rec.ID, storage.RebalanceStatusRefunded); err != nil {
			o.log.Error("Failed to mark rebalance refunded", "id", rec.ID, "error", err)
			return
		}
		o.notifier.Notify(ctx, notify.SeverityAlert, "Rebalance refunded",
			fmt.Sprintf("id=%s quote_id=%s deposit=%s", rec.ID, rec.QuoteID, rec.DepositTxID))
	case SwapStatusProcessing, SwapStatusKnownDepositTx, SwapStatusPendingDeposit:
		if rec.Status != storage.RebalanceStatusSwapProcessing {
			if err := o.store.UpdateRebalanceStatus(rec.ID, storage.RebalanceStatusSwapProcessing); err != nil {
				o.log.Error("Failed to mark swap processing", "id", rec.ID, "error", err)
			}
		}
	case SwapStatusIncompleteDeposit:
		o.log.Warn("Aggregator reports incomplete deposit", "id", rec.ID, "deposit", rec.DepositTxID)
	default:
		o.log.Warn("Unknown swap status", "id", rec.ID, "status", state.Status)
	}
}

// checkStuck flags rebalances that have churned longer than the retry
// budget. STUCK is a dead end an operator has to resolve.
func (o *Orchestrator) checkStuck() {
	if o.cfg.MaxRetryTime <= 0 {
		return
	}
	recs, err := o.store.ListActiveRebalances()
	if err != nil {
		o.log.Error("Failed to list active rebalances", "error", err)
		return
	}
	for _, rec := range recs {
		since := rec.CreatedAt
		if rec.TradeCompletedAt != nil {
			since = *rec.TradeCompletedAt
		}
		if time.Since(since) <= o.cfg.MaxRetryTime {
			continue
		}
		if err := o.store.UpdateRebalanceStatus(rec.ID, storage.RebalanceStatusStuck); err != nil {
			o.log.Error("Failed to mark rebalance stuck", "id", rec.ID, "error", err)
			continue
		}
		o.notifier.Notify(o.ctx, notify.SeverityAlert, "Rebalance stuck",
			fmt.Sprintf("id=%s status=%s age=%s", rec.ID, rec.Status, time.Since(since).Round(time.Minute)))
	}
}

// ---------------------------------------------------------------------------
// Idle balance scanning

func (o *Orchestrator) scanLoop() {
	defer o.wg.Done()

	interval := o.cfg.BalanceScanEvery
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.scanOnce()
		}
	}
}

func (o *Orchestrator) scanOnce() {
	ctx, cancel := context.WithTimeout(o.ctx, time.Minute)
	defer cancel()

	// Re-arm quote jobs for records rolled back to PENDING.
	pending, err := o.store.ListRebalancesByStatus(storage.RebalanceStatusPending)
	if err != nil {
		o.log.Error("Failed to list pending rebalances", "error", err)
		return
	}
	for _, rec := range pending {
		o.enqueueQuote(rec)
	}

	active, err := o.store.ListActiveRebalances()
	if err != nil {
		o.log.Error("Failed to list active rebalances", "error", err)
		return
	}
	if len(active) > 0 {
		return
	}

	// Selection needs headroom for the fee on top of the amount, so the
	// record carries both the raw balance and the portion that can
	// actually leave the wallet once a worst-case fee is reserved.
	sendable, total, err := o.btc.MaxSendable(ctx)
	if err != nil {
		o.log.Warn("Balance scan failed", "error", err)
		return
	}
	if sendable < o.cfg.MinIdleSats {
		return
	}

	now := time.Now()
	lastCompleted, err := o.store.LastCompletedTradeAt()
	if err != nil {
		o.log.Warn("Failed to read last trade completion", "error", err)
	}
	rec := &storage.Rebalance{
		ID:          uuid.New().String(),
		Status:      storage.RebalanceStatusPending,
		FromNetwork: "bitcoin",
		ToNetwork:   o.cfg.ToNetwork,
		AmountSats:  int64(total),
		RealAmount:  int64(sendable),
		CreatedAt:   now,
	}
	if !lastCompleted.IsZero() {
		rec.TradeCompletedAt = &lastCompleted
	}
	if err := o.store.CreateRebalance(rec); err != nil {
		o.log.Error("Failed to create rebalance", "error", err)
		return
	}

	o.log.Info("Idle balance detected, rebalancing",
		"id", rec.ID, "amount_sats", rec.AmountSats, "real_amount", rec.RealAmount)
	o.enqueueQuote(rec)
}

func (o *Orchestrator) enqueueQuote(rec *storage.Rebalance) {
	payload, _ := json.Marshal(rebalanceEvent{RebalanceID: rec.ID})
	jobID := fmt.Sprintf("rebalance-quote-%s-%d", rec.ID, rec.RetryCount)
	if err := o.dispatcher.Enqueue(QueueQuote, payload, queue.Options{JobID: jobID}); err != nil {
		o.log.Error("Failed to enqueue quote job", "id", rec.ID, "error", err)
	}
}
