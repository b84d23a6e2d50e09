package solver

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

// ErrNotFound marks a 404 from the solver, e.g. a selection that has not
// been made yet.
var ErrNotFound = fmt.Errorf("not found")

// Client is the router/solver API surface the engine depends on.
type Client interface {
	GetPMMSelection(ctx context.Context, tradeID string) (*PMMSelection, error)
	GetTradeData(ctx context.Context, tradeID string) (*TradeData, error)
	GetSettlementPresigns(ctx context.Context, tradeID string) ([]Presign, error)
	GetSigner(ctx context.Context) (string, error)
	GetFeeDetails(ctx context.Context, tradeID string) (*FeeDetails, error)
	GetRouter(ctx context.Context) (*RouterInfo, error)
	GetAssetChainConfig(ctx context.Context, networkID, role string) (*AssetChainConfig, error)
	SubmitSettlementTx(ctx context.Context, req *SubmitSettlementRequest) error
}

// HTTPClient talks to the solver over its REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient builds a solver client for one base URL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("solver request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("solver: %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("solver returned %d for %s: %s", resp.StatusCode, path, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode solver response for %s: %w", path, err)
		}
	}
	return nil
}

func (c *HTTPClient) GetPMMSelection(ctx context.Context, tradeID string) (*PMMSelection, error) {
	var sel PMMSelection
	path := "/trades/" + url.PathEscape(tradeID) + "/selection"
	if err := c.do(ctx, http.MethodGet, path, nil, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

func (c *HTTPClient) GetTradeData(ctx context.Context, tradeID string) (*TradeData, error) {
	var td TradeData
	if err := c.do(ctx, http.MethodGet, "/trades/"+url.PathEscape(tradeID), nil, &td); err != nil {
		return nil, err
	}
	return &td, nil
}

func (c *HTTPClient) GetSettlementPresigns(ctx context.Context, tradeID string) ([]Presign, error) {
	var out []Presign
	path := "/trades/" + url.PathEscape(tradeID) + "/presigns"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetSigner(ctx context.Context) (string, error) {
	var out struct {
		Signer string `json:"signer"`
	}
	if err := c.do(ctx, http.MethodGet, "/signer", nil, &out); err != nil {
		return "", err
	}
	return out.Signer, nil
}

func (c *HTTPClient) GetFeeDetails(ctx context.Context, tradeID string) (*FeeDetails, error) {
	var fd FeeDetails
	path := "/trades/" + url.PathEscape(tradeID) + "/fees"
	if err := c.do(ctx, http.MethodGet, path, nil, &fd); err != nil {
		return nil, err
	}
	return &fd, nil
}

func (c *HTTPClient) GetRouter(ctx context.Context) (*RouterInfo, error) {
	var ri RouterInfo
	if err := c.do(ctx, http.MethodGet, "/router", nil, &ri); err != nil {
		return nil, err
	}
	return &ri, nil
}

func (c *HTTPClient) GetAssetChainConfig(ctx context.Context, networkID, role string) (*AssetChainConfig, error) {
	var cc AssetChainConfig
	path := "/chains/" + url.PathEscape(networkID) + "/config?role=" + url.QueryEscape(role)
	if err := c.do(ctx, http.MethodGet, path, nil, &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}

func (c *HTTPClient) SubmitSettlementTx(ctx context.Context, req *SubmitSettlementRequest) error {
	return c.do(ctx, http.MethodPost, "/settlements", req, nil)
}
