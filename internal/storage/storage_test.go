package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string) *Trade {
	return &Trade{
		TradeID:            id,
		Status:             TradeStatusCommitted,
		FromTokenID:        "btc-native",
		ToTokenID:          "ethereum-usdc",
		FromUser:           "bc1p000",
		ToUser:             "0xabc",
		Amount:             "100000",
		TradeDeadline:      time.Now().Add(2 * time.Hour).Unix(),
		CommitmentDeadline: time.Now().Add(30 * time.Minute).Unix(),
		TradeType:          TradeTypeSwap,
		CommitmentQuote:    "99000000",
		CreatedAt:          time.Now(),
	}
}

func TestTradeRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	trade := sampleTrade("trade-1")
	if err := s.CreateTrade(trade); err != nil {
		t.Fatalf("failed to create trade: %v", err)
	}

	got, err := s.GetTrade("trade-1")
	if err != nil {
		t.Fatalf("failed to get trade: %v", err)
	}
	if got.Status != TradeStatusCommitted {
		t.Errorf("status = %s, want COMMITTED", got.Status)
	}
	if got.Amount != "100000" || got.FromUser != "bc1p000" {
		t.Errorf("fields lost in round trip: %+v", got)
	}
	if got.TradeDeadline != trade.TradeDeadline || got.CommitmentDeadline != trade.CommitmentDeadline {
		t.Errorf("deadlines = %d/%d, want %d/%d",
			got.TradeDeadline, got.CommitmentDeadline, trade.TradeDeadline, trade.CommitmentDeadline)
	}
	if got.TradeDeadline == got.CommitmentDeadline {
		t.Error("trade and commitment deadlines collapsed into one value")
	}

	if _, err := s.GetTrade("missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("GetTrade(missing) = %v, want ErrTradeNotFound", err)
	}
}

func TestReplaceTradeSupersedes(t *testing.T) {
	s := newTestStorage(t)

	trade := sampleTrade("trade-1")
	if err := s.CreateTrade(trade); err != nil {
		t.Fatalf("failed to create trade: %v", err)
	}
	if err := s.UpdateTradeStatus("trade-1", TradeStatusFailed); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	// A re-quote replaces the failed record wholesale.
	fresh := sampleTrade("trade-1")
	fresh.CommitmentQuote = "98000000"
	if err := s.ReplaceTrade(fresh); err != nil {
		t.Fatalf("failed to replace trade: %v", err)
	}

	got, err := s.GetTrade("trade-1")
	if err != nil {
		t.Fatalf("failed to get trade: %v", err)
	}
	if got.Status != TradeStatusCommitted {
		t.Errorf("status = %s, want COMMITTED after replace", got.Status)
	}
	if got.CommitmentQuote != "98000000" {
		t.Errorf("commitment quote = %s, want 98000000", got.CommitmentQuote)
	}
}

func TestUpdateTradeStatusFrom(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateTrade(sampleTrade("trade-1")); err != nil {
		t.Fatalf("failed to create trade: %v", err)
	}

	if err := s.UpdateTradeStatusFrom("trade-1", TradeStatusCommitted, TradeStatusSelected); err != nil {
		t.Fatalf("expected CAS from COMMITTED to succeed: %v", err)
	}

	// Second transition from the stale status must conflict, not clobber.
	err := s.UpdateTradeStatusFrom("trade-1", TradeStatusCommitted, TradeStatusFailed)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("stale CAS = %v, want ErrStatusConflict", err)
	}

	got, _ := s.GetTrade("trade-1")
	if got.Status != TradeStatusSelected {
		t.Errorf("status = %s, want SELECTED untouched", got.Status)
	}

	if err := s.UpdateTradeStatusFrom("missing", TradeStatusCommitted, TradeStatusSelected); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("CAS on missing trade = %v, want ErrTradeNotFound", err)
	}
}

func TestMarkTradeCompleted(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateTrade(sampleTrade("trade-1")); err != nil {
		t.Fatalf("failed to create trade: %v", err)
	}
	if err := s.MarkTradeCompleted("trade-1", "0xdeadbeef"); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	got, _ := s.GetTrade("trade-1")
	if got.Status != TradeStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.PaymentTxID != "0xdeadbeef" {
		t.Errorf("payment tx id = %s, want 0xdeadbeef", got.PaymentTxID)
	}

	at, err := s.LastCompletedTradeAt()
	if err != nil {
		t.Fatalf("failed to read last completed: %v", err)
	}
	if at.IsZero() {
		t.Error("last completed time should be set")
	}
}

func TestListTradesByStatus(t *testing.T) {
	s := newTestStorage(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateTrade(sampleTrade(id)); err != nil {
			t.Fatalf("failed to create trade %s: %v", id, err)
		}
	}
	if err := s.UpdateTradeStatus("b", TradeStatusSettling); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	committed, err := s.ListTradesByStatus(TradeStatusCommitted)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(committed) != 2 {
		t.Errorf("committed count = %d, want 2", len(committed))
	}
}

func TestJobDedup(t *testing.T) {
	s := newTestStorage(t)

	inserted, err := s.EnqueueJob("job-1", "q", []byte(`{}`), time.Now())
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if !inserted {
		t.Fatal("first enqueue should insert")
	}

	inserted, err = s.EnqueueJob("job-1", "q", []byte(`{}`), time.Now())
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if inserted {
		t.Error("duplicate job_id should be dropped")
	}
}

func TestClaimDueJobs(t *testing.T) {
	s := newTestStorage(t)

	now := time.Now()
	if _, err := s.EnqueueJob("due", "q", []byte("a"), now.Add(-time.Second)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := s.EnqueueJob("future", "q", []byte("b"), now.Add(time.Hour)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	jobs, err := s.ClaimDueJobs(10)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != "due" {
		t.Fatalf("claimed %d jobs, want only the due one", len(jobs))
	}

	// A claimed job is running and must not be claimed twice.
	again, err := s.ClaimDueJobs(10)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("reclaimed %d running jobs, want 0", len(again))
	}
}

func TestRescheduleJob(t *testing.T) {
	s := newTestStorage(t)

	if _, err := s.EnqueueJob("job-1", "q", nil, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	jobs, err := s.ClaimDueJobs(1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim failed: %v (%d jobs)", err, len(jobs))
	}

	if err := s.RescheduleJob(jobs[0].ID, time.Now().Add(time.Minute), "transient"); err != nil {
		t.Fatalf("failed to reschedule: %v", err)
	}

	got, err := s.GetJobByJobID("job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != JobStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}

	// Not due yet.
	jobs, err = s.ClaimDueJobs(1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Error("rescheduled job claimed before run_at")
	}
}

func TestRecoverRunningJobs(t *testing.T) {
	s := newTestStorage(t)

	if _, err := s.EnqueueJob("job-1", "q", nil, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := s.ClaimDueJobs(1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Simulated crash: the running job must come back as pending.
	n, err := s.RecoverRunningJobs()
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}

	jobs, err := s.ClaimDueJobs(1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("claimed %d after recovery, want 1", len(jobs))
	}
}

func TestRebalanceLifecycle(t *testing.T) {
	s := newTestStorage(t)

	r := &Rebalance{
		ID:          "rb-1",
		Status:      RebalanceStatusPending,
		FromNetwork: "bitcoin",
		ToNetwork:   "ethereum",
		AmountSats:  250000,
		RealAmount:  248400,
		CreatedAt:   time.Now(),
	}
	if err := s.CreateRebalance(r); err != nil {
		t.Fatalf("failed to create rebalance: %v", err)
	}

	active, err := s.ListActiveRebalances()
	if err != nil {
		t.Fatalf("failed to list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active count = %d, want 1", len(active))
	}

	if err := s.UpdateRebalanceStatusFrom("rb-1", RebalanceStatusPending, RebalanceStatusQuoteRequested); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	err = s.UpdateRebalanceStatusFrom("rb-1", RebalanceStatusPending, RebalanceStatusQuoteRequested)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("stale CAS = %v, want ErrStatusConflict", err)
	}

	if err := s.SetRebalanceQuote("rb-1", &RebalanceQuote{
		QuoteID:        "quote-9",
		QuoteAmount:    "247000",
		DepositAddress: "bc1qdeposit",
		OraclePrice:    "64900.00",
		QuotePrice:     "64870.50",
		SlippageBps:    5,
	}); err != nil {
		t.Fatalf("failed to set quote: %v", err)
	}
	if err := s.SetRebalanceActualAmount("rb-1", "246800"); err != nil {
		t.Fatalf("failed to set actual amount: %v", err)
	}
	got, err := s.GetRebalance("rb-1")
	if err != nil {
		t.Fatalf("failed to get rebalance: %v", err)
	}
	if got.QuoteID != "quote-9" || got.DepositAddress != "bc1qdeposit" {
		t.Errorf("quote fields lost: %+v", got)
	}
	if got.RealAmount != 248400 || got.OraclePrice != "64900.00" || got.QuotePrice != "64870.50" || got.SlippageBps != 5 {
		t.Errorf("pricing fields lost: %+v", got)
	}
	if got.ActualAmount != "246800" {
		t.Errorf("actual amount = %q, want 246800", got.ActualAmount)
	}

	if err := s.SetRebalanceError("rb-1", "quote failed: connection refused"); err != nil {
		t.Fatalf("failed to set error: %v", err)
	}
	got, err = s.GetRebalance("rb-1")
	if err != nil {
		t.Fatalf("failed to get rebalance: %v", err)
	}
	if got.LastError != "quote failed: connection refused" {
		t.Errorf("last error = %q", got.LastError)
	}

	if err := s.UpdateRebalanceStatus("rb-1", RebalanceStatusCompleted); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	active, err = s.ListActiveRebalances()
	if err != nil {
		t.Fatalf("failed to list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("completed rebalance still listed as active")
	}
}
