package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceDecimals is the fixed-point precision of oracle prices.
const PriceDecimals = 8

var ErrMissingPrice = errors.New("price missing from response")

// PriceSetter receives 8-decimal USD prices. The paper oracle implements it.
type PriceSetter interface {
	SetPrice(token common.Address, price *big.Int)
}

// Client reads USD prices from an HTTP endpoint answering
// GET /prices?symbols=A,B with {"A":"1.00","B":"2000.5"}.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	q := url.Values{}
	q.Set("symbols", strings.Join(sorted, ","))
	raw, err := c.get(ctx, "/prices?"+q.Encode())
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		v, ok := raw[sym]
		if !ok {
			return nil, fmt.Errorf("%s: %w", sym, ErrMissingPrice)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(v.String()))
		if err != nil {
			return nil, fmt.Errorf("%s price %q: %w", sym, v.String(), err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("%s price %s must be positive", sym, price)
		}
		out[sym] = price
	}
	return out, nil
}

// Sync fetches prices for tokens (symbol to address) and pushes them into setter.
func (c *Client) Sync(ctx context.Context, setter PriceSetter, tokens map[string]common.Address) error {
	symbols := make([]string, 0, len(tokens))
	for sym := range tokens {
		symbols = append(symbols, sym)
	}
	prices, err := c.Prices(ctx, symbols)
	if err != nil {
		return err
	}
	for sym, price := range prices {
		raw := price.Shift(PriceDecimals).Truncate(0).BigInt()
		setter.SetPrice(tokens[sym], raw)
		c.log.Debug("oracle price updated", zap.String("symbol", sym), zap.String("price", price.String()))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (map[string]json.Number, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	out := make(map[string]json.Number, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case json.Number:
			out[k] = val
		case string:
			out[k] = json.Number(val)
		default:
			return nil, fmt.Errorf("%s: unexpected price type %T", k, v)
		}
	}
	return out, nil
}
