package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// EsploraProvider implements Provider against esplora-compatible APIs
// (blockstream.info, mempool.space, and self-hosted instances).
type EsploraProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewEsploraProvider creates a provider for an esplora-compatible base URL.
func NewEsploraProvider(baseURL string) *EsploraProvider {
	return &EsploraProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name identifies the provider by its host.
func (e *EsploraProvider) Name() string {
	return e.baseURL
}

// GetAddressUTXOs returns unspent outputs for an address.
func (e *EsploraProvider) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed bool `json:"confirmed"`
		} `json:"status"`
	}

	if err := e.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:      u.TxID,
			Vout:      u.Vout,
			Value:     u.Value,
			Confirmed: u.Status.Confirmed,
		}
	}
	return utxos, nil
}

// GetAddressBalance returns the confirmed balance in satoshis.
func (e *EsploraProvider) GetAddressBalance(ctx context.Context, address string) (uint64, error) {
	var result struct {
		ChainStats struct {
			FundedTxoSum uint64 `json:"funded_txo_sum"`
			SpentTxoSum  uint64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
	}

	if err := e.get(ctx, "/address/"+address, &result); err != nil {
		return 0, err
	}
	return result.ChainStats.FundedTxoSum - result.ChainStats.SpentTxoSum, nil
}

// GetFeeEstimates returns the fee-estimate map keyed by confirmation target.
// Responses are validated permissively: entries that fail to parse are
// skipped rather than failing the whole call, to survive provider API drift.
func (e *EsploraProvider) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var raw map[string]json.Number
	if err := e.get(ctx, "/fee-estimates", &raw); err != nil {
		return nil, err
	}

	estimates := make(FeeEstimates, len(raw))
	for target, rate := range raw {
		t, err := strconv.Atoi(target)
		if err != nil {
			continue
		}
		r, err := rate.Float64()
		if err != nil {
			continue
		}
		estimates[t] = r
	}
	return estimates, nil
}

// GetTxStatus returns confirmation status for a transaction.
func (e *EsploraProvider) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	var result struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	}

	if err := e.get(ctx, "/tx/"+txid+"/status", &result); err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	return &TxStatus{
		TxID:        txid,
		Confirmed:   result.Confirmed,
		BlockHeight: result.BlockHeight,
	}, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (e *EsploraProvider) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrBroadcastFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrBroadcastFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current tip height.
func (e *EsploraProvider) GetBlockHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
}

// get performs a GET request and decodes the JSON response into v.
func (e *EsploraProvider) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ Provider = (*EsploraProvider)(nil)
