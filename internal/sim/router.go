package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTooLittleReceived = errors.New("too little received")
	ErrDeadline          = errors.New("transaction too old")
)

const feeTierDenominator = 1_000_000

// Router fills exact-input swaps at the oracle price less the fee tier.
// ImpactBps, when set, is taken from every output on top of the fee.
type Router struct {
	mu        sync.Mutex
	ledger    *Ledger
	oracle    protocol.Oracle
	now       func() time.Time
	impactBps uint64
}

func NewRouter(ledger *Ledger, oracle protocol.Oracle, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{ledger: ledger, oracle: oracle, now: now}
}

func (r *Router) SetImpactBps(bps uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impactBps = bps
}

// Quote returns the output of swapping amountIn without executing it.
func (r *Router) Quote(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error) {
	in, err := r.ledger.Info(tokenIn)
	if err != nil {
		return nil, err
	}
	out, err := r.ledger.Info(tokenOut)
	if err != nil {
		return nil, err
	}
	pIn, err := r.oracle.AssetPrice(ctx, tokenIn)
	if err != nil {
		return nil, err
	}
	pOut, err := r.oracle.AssetPrice(ctx, tokenOut)
	if err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(amountIn, pIn)
	num.Mul(num, fixed.Pow10(out.Decimals))
	num.Mul(num, big.NewInt(feeTierDenominator-int64(fee)))
	den := new(big.Int).Mul(pOut, fixed.Pow10(in.Decimals))
	den.Mul(den, big.NewInt(feeTierDenominator))
	amountOut := num.Div(num, den)
	r.mu.Lock()
	impact := r.impactBps
	r.mu.Unlock()
	return fixed.SubBps(amountOut, impact), nil
}

func (r *Router) SwapExactInputSingle(ctx context.Context, from common.Address, params protocol.SwapParams) (*big.Int, error) {
	if params.Deadline > 0 && r.now().Unix() > params.Deadline {
		return nil, ErrDeadline
	}
	if params.Fee >= feeTierDenominator {
		return nil, fmt.Errorf("fee tier %d out of range", params.Fee)
	}
	amountOut, err := r.Quote(ctx, params.TokenIn, params.TokenOut, params.Fee, params.AmountIn)
	if err != nil {
		return nil, err
	}
	if amountOut.Cmp(fixed.OrZero(params.AmountOutMinimum)) < 0 {
		return nil, fmt.Errorf("out %s below minimum %s: %w", amountOut, params.AmountOutMinimum, ErrTooLittleReceived)
	}
	if err := r.ledger.Burn(params.TokenIn, from, params.AmountIn); err != nil {
		return nil, fmt.Errorf("swap input: %w", err)
	}
	if err := r.ledger.Mint(params.TokenOut, params.Recipient, amountOut); err != nil {
		return nil, err
	}
	return amountOut, nil
}
