package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/Phathdt/pmm-sub000/internal/solver"
	"github.com/Phathdt/pmm-sub000/internal/storage"
)

// StartSelectionWatch polls committed trades for a router selection and
// advances chosen trades into the transfer pipeline. Trades whose commitment
// window lapses without a selection are failed.
func (o *Orchestrator) StartSelectionWatch(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.watchCancel = cancel
	o.watchDone = make(chan struct{})

	go func() {
		defer close(o.watchDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.checkSelections(ctx)
			}
		}
	}()
}

// StopSelectionWatch stops the poll loop and waits for it to exit.
func (o *Orchestrator) StopSelectionWatch() {
	if o.watchCancel == nil {
		return
	}
	o.watchCancel()
	<-o.watchDone
}

func (o *Orchestrator) checkSelections(ctx context.Context) {
	trades, err := o.store.ListTradesByStatus(storage.TradeStatusCommitted)
	if err != nil {
		o.log.Error("Failed to list committed trades", "error", err)
		return
	}

	now := time.Now().Unix()
	for _, trade := range trades {
		if trade.CommitmentDeadline > 0 && now > trade.CommitmentDeadline {
			if err := o.store.UpdateTradeStatusFrom(trade.TradeID, storage.TradeStatusCommitted, storage.TradeStatusFailed); err != nil {
				o.log.Error("Failed to expire trade", "trade_id", trade.TradeID, "error", err)
				continue
			}
			o.log.Warn("Commitment expired without selection", "trade_id", trade.TradeID)
			continue
		}

		sel, err := o.solver.GetPMMSelection(ctx, trade.TradeID)
		if err != nil {
			if errors.Is(err, solver.ErrNotFound) {
				continue // no selection yet
			}
			o.log.Warn("Selection check failed", "trade_id", trade.TradeID, "error", err)
			continue
		}

		chosen := sel.SelectedPMMID == o.pmmID
		if err := o.AckSettlement(ctx, trade.TradeID, chosen); err != nil {
			o.log.Error("Failed to record selection", "trade_id", trade.TradeID, "error", err)
			continue
		}
		if !chosen {
			continue
		}
		if err := o.SignalPayment(ctx, trade.TradeID); err != nil {
			o.log.Error("Failed to start settlement transfer", "trade_id", trade.TradeID, "error", err)
		}
	}
}
