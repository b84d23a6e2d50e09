package solver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientGetPMMSelection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trades/trade-1/selection" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q", got)
		}
		json.NewEncoder(w).Encode(PMMSelection{
			TradeID:       "trade-1",
			SelectedPMMID: "pmm-a",
			SelectedAt:    1767225600,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	sel, err := c.GetPMMSelection(context.Background(), "trade-1")
	if err != nil {
		t.Fatalf("GetPMMSelection: %v", err)
	}
	if sel.SelectedPMMID != "pmm-a" {
		t.Errorf("selection = %+v", sel)
	}
}

func TestHTTPClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.GetPMMSelection(context.Background(), "trade-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHTTPClientNoAPIKeyHeaderWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["X-Api-Key"]; ok {
			t.Error("X-Api-Key header set without a key")
		}
		json.NewEncoder(w).Encode(RouterInfo{Address: "0xrouter", ChainID: 1})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	ri, err := c.GetRouter(context.Background())
	if err != nil {
		t.Fatalf("GetRouter: %v", err)
	}
	if ri.Address != "0xrouter" || ri.ChainID != 1 {
		t.Errorf("router = %+v", ri)
	}
}

func TestHTTPClientSubmitSettlementTx(t *testing.T) {
	var got SubmitSettlementRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/settlements" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	err := c.SubmitSettlementTx(context.Background(), &SubmitSettlementRequest{
		TradeIDs:     []string{"trade-1"},
		PMMID:        "pmm-a",
		SettlementTx: "0xabc",
		Signature:    "0xsig",
		StartIndex:   0,
		SignedAt:     1767225600,
	})
	if err != nil {
		t.Fatalf("SubmitSettlementTx: %v", err)
	}
	if len(got.TradeIDs) != 1 || got.TradeIDs[0] != "trade-1" || got.PMMID != "pmm-a" {
		t.Errorf("request = %+v", got)
	}
}

func TestHTTPClientErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("unknown trade"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.GetTradeData(context.Background(), "trade-x")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("400 must not map to ErrNotFound")
	}
}
