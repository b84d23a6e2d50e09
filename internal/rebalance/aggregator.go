// Package rebalance converts idle Bitcoin inventory back into working
// capital through an external swap aggregator.
package rebalance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// SwapStatus is the aggregator's view of one swap.
type SwapStatus string

const (
	SwapStatusSuccess           SwapStatus = "SUCCESS"
	SwapStatusFailed            SwapStatus = "FAILED"
	SwapStatusRefunded          SwapStatus = "REFUNDED"
	SwapStatusProcessing        SwapStatus = "PROCESSING"
	SwapStatusKnownDepositTx    SwapStatus = "KNOWN_DEPOSIT_TX"
	SwapStatusPendingDeposit    SwapStatus = "PENDING_DEPOSIT"
	SwapStatusIncompleteDeposit SwapStatus = "INCOMPLETE_DEPOSIT"
)

// Quote is one aggregator offer.
type Quote struct {
	QuoteID        string `json:"quoteId"`
	AmountIn       string `json:"amountIn"`    // sats
	AmountOut      string `json:"amountOut"`   // destination base units
	QuotedPrice    string `json:"quotedPrice"` // implied BTC/USD price of the offer
	DepositAddress string `json:"depositAddress"`
	ExpiresAt      int64  `json:"expiresAt"`
}

// SwapState is one status answer from the aggregator.
type SwapState struct {
	Status SwapStatus `json:"status"`
	// AmountOut is the settled destination amount, present once the swap
	// succeeded and the aggregator reports it.
	AmountOut string `json:"amountOut,omitempty"`
}

// QuoteRequest asks the aggregator for an offer.
type QuoteRequest struct {
	FromNetwork   string `json:"fromNetwork"`
	ToNetwork     string `json:"toNetwork"`
	Amount        string `json:"amount"` // sats
	RefundAddress string `json:"refundAddress"`
	Recipient     string `json:"recipient"` // vault address
}

// Aggregator is the external swap service contract. Swaps are identified by
// their deposit address: that is the key the aggregator watches on chain.
type Aggregator interface {
	GetQuote(ctx context.Context, req *QuoteRequest) (*Quote, error)
	GetStatus(ctx context.Context, depositAddress string) (*SwapState, error)
	// SubmitDeposit tells the aggregator which transaction funds the swap.
	// Purely advisory; the aggregator also watches the chain itself.
	SubmitDeposit(ctx context.Context, quoteID, txID string) error
}

// HTTPAggregator talks to the aggregator's REST API.
type HTTPAggregator struct {
	baseURL string
	http    *http.Client
}

// NewHTTPAggregator builds an aggregator client.
func NewHTTPAggregator(baseURL string) *HTTPAggregator {
	return &HTTPAggregator{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPAggregator) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("aggregator returned %d for %s: %s", resp.StatusCode, path, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode aggregator response for %s: %w", path, err)
		}
	}
	return nil
}

func (a *HTTPAggregator) GetQuote(ctx context.Context, req *QuoteRequest) (*Quote, error) {
	var q Quote
	if err := a.do(ctx, http.MethodPost, "/quotes", req, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (a *HTTPAggregator) GetStatus(ctx context.Context, depositAddress string) (*SwapState, error) {
	var out SwapState
	if err := a.do(ctx, http.MethodGet, "/swaps/"+url.PathEscape(depositAddress), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAggregator) SubmitDeposit(ctx context.Context, quoteID, txID string) error {
	body := map[string]string{"txId": txID}
	return a.do(ctx, http.MethodPost, "/swaps/"+url.PathEscape(quoteID)+"/deposit", body, nil)
}
