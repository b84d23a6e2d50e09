package solanarpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Client speaks JSON-RPC 2.0 to a Solana node.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient builds a client for one RPC endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetLatestBlockhash fetches the recent blockhash used to anchor new
// transactions.
func (c *Client) GetLatestBlockhash(ctx context.Context) (PublicKey, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": "confirmed"}}
	if err := c.call(ctx, "getLatestBlockhash", params, &res); err != nil {
		return PublicKey{}, err
	}
	return PublicKeyFromBase58(res.Value.Blockhash)
}

// AccountInfo is the decoded account payload.
type AccountInfo struct {
	Owner    PublicKey
	Lamports uint64
	Data     []byte
}

// GetAccountInfo fetches account state, or nil when the account does not
// exist.
func (c *Client) GetAccountInfo(ctx context.Context, account PublicKey) (*AccountInfo, error) {
	var res struct {
		Value *struct {
			Owner    string   `json:"owner"`
			Lamports uint64   `json:"lamports"`
			Data     []string `json:"data"`
		} `json:"value"`
	}
	params := []any{account.String(), map[string]any{"encoding": "base64", "commitment": "confirmed"}}
	if err := c.call(ctx, "getAccountInfo", params, &res); err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, nil
	}

	owner, err := PublicKeyFromBase58(res.Value.Owner)
	if err != nil {
		return nil, fmt.Errorf("invalid account owner: %w", err)
	}
	var data []byte
	if len(res.Value.Data) > 0 {
		data, err = base64.StdEncoding.DecodeString(res.Value.Data[0])
		if err != nil {
			return nil, fmt.Errorf("invalid account data: %w", err)
		}
	}
	return &AccountInfo{Owner: owner, Lamports: res.Value.Lamports, Data: data}, nil
}

// GetBalance returns an account's lamport balance.
func (c *Client) GetBalance(ctx context.Context, account PublicKey) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{account.String()}, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// GetTokenAccountBalance returns the raw token amount held by a token
// account.
func (c *Client) GetTokenAccountBalance(ctx context.Context, account PublicKey) (uint64, error) {
	var res struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountBalance", []any{account.String()}, &res); err != nil {
		return 0, err
	}
	var amount uint64
	if _, err := fmt.Sscanf(res.Value.Amount, "%d", &amount); err != nil {
		return 0, fmt.Errorf("invalid token amount %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}

// SendTransaction broadcasts a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, signedTx []byte) (string, error) {
	params := []any{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]any{"encoding": "base64", "skipPreflight": false, "maxRetries": 3},
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// SignatureStatus is the confirmation state of one submitted transaction.
type SignatureStatus struct {
	Confirmed bool
	Err       json.RawMessage // non-nil when the transaction failed on chain
}

// GetSignatureStatus looks up a transaction's confirmation status. Returns
// nil when the node does not know the signature.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var res struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &res); err != nil {
		return nil, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	v := res.Value[0]
	confirmed := v.ConfirmationStatus == "confirmed" || v.ConfirmationStatus == "finalized"
	errRaw := v.Err
	if string(errRaw) == "null" {
		errRaw = nil
	}
	return &SignatureStatus{Confirmed: confirmed, Err: errRaw}, nil
}
