package rest

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type priceMap map[common.Address]*big.Int

func (p priceMap) SetPrice(token common.Address, price *big.Int) {
	p[token] = price
}

func TestSyncPushesEightDecimalPrices(t *testing.T) {
	var gotSymbols string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotSymbols = r.URL.Query().Get("symbols")
		_, _ = w.Write([]byte(`{"USDC":"0.9998","WETH":2010.123456789}`))
	}))
	defer server.Close()

	usdc := common.HexToAddress("0x01")
	weth := common.HexToAddress("0x02")
	client := New(server.URL, time.Second, zap.NewNop())
	prices := priceMap{}
	if err := client.Sync(context.Background(), prices, map[string]common.Address{"WETH": weth, "USDC": usdc}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if gotSymbols != "USDC,WETH" {
		t.Fatalf("expected sorted symbols, got %q", gotSymbols)
	}
	if prices[usdc].Int64() != 99_980_000 {
		t.Fatalf("unexpected USDC price %s", prices[usdc])
	}
	if prices[weth].Int64() != 201_012_345_678 {
		t.Fatalf("unexpected WETH price %s", prices[weth])
	}
}

func TestPricesRejectsMissingAndInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"USDC":"1","WETH":"-5"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	if _, err := client.Prices(context.Background(), []string{"USDC", "WBTC"}); !errors.Is(err, ErrMissingPrice) {
		t.Fatalf("expected ErrMissingPrice, got %v", err)
	}
	if _, err := client.Prices(context.Background(), []string{"WETH"}); err == nil {
		t.Fatalf("expected error for negative price")
	}
}

func TestPricesReportsHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	if _, err := client.Prices(context.Background(), []string{"USDC"}); err == nil {
		t.Fatalf("expected http error")
	}
}
