package rebalance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPAggregatorGetQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/quotes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req QuoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.FromNetwork != "bitcoin" || req.Amount != "1500000" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(Quote{
			QuoteID:        "q-123",
			AmountIn:       req.Amount,
			AmountOut:      "973500000",
			QuotedPrice:    "64900.00",
			DepositAddress: "bc1qdeposit",
			ExpiresAt:      1767225600,
		})
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL)
	q, err := agg.GetQuote(context.Background(), &QuoteRequest{
		FromNetwork:   "bitcoin",
		ToNetwork:     "ethereum",
		Amount:        "1500000",
		RefundAddress: "bc1qrefund",
		Recipient:     "0xvault",
	})
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.QuoteID != "q-123" || q.DepositAddress != "bc1qdeposit" {
		t.Errorf("quote = %+v", q)
	}
}

func TestHTTPAggregatorGetStatus(t *testing.T) {
	// Swaps are looked up by deposit address, the key the aggregator
	// watches on chain, not by quote id.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/swaps/bc1qdeposit" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(SwapState{Status: SwapStatusSuccess, AmountOut: "973500000"})
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL)
	state, err := agg.GetStatus(context.Background(), "bc1qdeposit")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if state.Status != SwapStatusSuccess {
		t.Errorf("status = %q, want %q", state.Status, SwapStatusSuccess)
	}
	if state.AmountOut != "973500000" {
		t.Errorf("amountOut = %q, want 973500000", state.AmountOut)
	}
}

func TestHTTPAggregatorSubmitDeposit(t *testing.T) {
	var gotTx string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/swaps/q-123/deposit" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotTx = body["txId"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL)
	if err := agg.SubmitDeposit(context.Background(), "q-123", "deadbeef"); err != nil {
		t.Fatalf("SubmitDeposit: %v", err)
	}
	if gotTx != "deadbeef" {
		t.Errorf("txId = %q, want deadbeef", gotTx)
	}
}

func TestHTTPAggregatorErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("amount below minimum"))
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL)
	_, err := agg.GetQuote(context.Background(), &QuoteRequest{Amount: "1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "422") || !strings.Contains(err.Error(), "amount below minimum") {
		t.Errorf("error = %v", err)
	}
}
