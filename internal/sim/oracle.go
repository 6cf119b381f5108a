package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"dn-yield-strategy/internal/fixed"

	"github.com/ethereum/go-ethereum/common"
)

// PriceDecimals is the precision of every oracle price.
const PriceDecimals = 8

type Oracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

func NewOracle() *Oracle {
	return &Oracle{prices: make(map[common.Address]*big.Int)}
}

func (o *Oracle) SetPrice(token common.Address, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = new(big.Int).Set(price)
}

// SetPriceUSD parses a decimal dollar price such as "2000.5".
func (o *Oracle) SetPriceUSD(token common.Address, usd string) error {
	price, err := fixed.Parse(usd, PriceDecimals)
	if err != nil {
		return fmt.Errorf("price %q: %w", usd, err)
	}
	o.SetPrice(token, price)
	return nil
}

func (o *Oracle) AssetPrice(_ context.Context, token common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("no price for %s: %w", token.Hex(), ErrUnknownToken)
	}
	return new(big.Int).Set(price), nil
}

// usdValue is amount valued in dollars scaled by 1e26 (8 price decimals
// times 18), comparable across tokens.
func usdValue(amount, price *big.Int, decimals uint8) *big.Int {
	return new(big.Int).Mul(fixed.Scale(amount, decimals, 18), price)
}
