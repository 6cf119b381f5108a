package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownReserve = errors.New("unknown reserve")
	ErrHealthFactor   = errors.New("health factor below 1")
	ErrFlashNotRepaid = errors.New("flash loan not repaid")
	ErrFlashRejected  = errors.New("flash loan receiver returned false")
	ErrNoLiquidity    = errors.New("not enough pool liquidity")
	ErrNothingToRepay = errors.New("no debt to repay")
)

type reserve struct {
	token        common.Address
	decimals     uint8
	thresholdBps uint64
	tokens       protocol.ReserveTokens
}

// Pool is a collateralised lending market with simple flash loans. Collateral
// and debt are tracked as receipt and debt token balances in the ledger.
type Pool struct {
	mu         sync.Mutex
	addr       common.Address
	ledger     *Ledger
	oracle     protocol.Oracle
	premiumBps uint64
	reserves   map[common.Address]*reserve
}

func NewPool(addr common.Address, ledger *Ledger, oracle protocol.Oracle, premiumBps uint64) *Pool {
	return &Pool{
		addr:       addr,
		ledger:     ledger,
		oracle:     oracle,
		premiumBps: premiumBps,
		reserves:   make(map[common.Address]*reserve),
	}
}

func (p *Pool) Address() common.Address {
	return p.addr
}

// AddReserve lists token and creates its receipt and debt tokens.
func (p *Pool) AddReserve(token common.Address, thresholdBps uint64) (protocol.ReserveTokens, error) {
	info, err := p.ledger.Info(token)
	if err != nil {
		return protocol.ReserveTokens{}, err
	}
	rt := protocol.ReserveTokens{
		AToken:       crypto.CreateAddress(token, 1),
		StableDebt:   crypto.CreateAddress(token, 2),
		VariableDebt: crypto.CreateAddress(token, 3),
	}
	p.ledger.Register(rt.AToken, "a"+info.Symbol, info.Decimals)
	p.ledger.Register(rt.StableDebt, "stableDebt"+info.Symbol, info.Decimals)
	p.ledger.Register(rt.VariableDebt, "variableDebt"+info.Symbol, info.Decimals)
	p.mu.Lock()
	p.reserves[token] = &reserve{token: token, decimals: info.Decimals, thresholdBps: thresholdBps, tokens: rt}
	p.mu.Unlock()
	return rt, nil
}

func (p *Pool) reserve(token common.Address) (*reserve, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrUnknownReserve)
	}
	return r, nil
}

func (p *Pool) Supply(ctx context.Context, token common.Address, amount *big.Int, onBehalfOf common.Address) error {
	r, err := p.reserve(token)
	if err != nil {
		return err
	}
	if err := p.ledger.Transfer(ctx, token, onBehalfOf, p.addr, amount); err != nil {
		return fmt.Errorf("supply: %w", err)
	}
	return p.ledger.Mint(r.tokens.AToken, onBehalfOf, amount)
}

func (p *Pool) Withdraw(ctx context.Context, token common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	r, err := p.reserve(token)
	if err != nil {
		return nil, err
	}
	if err := p.ledger.Burn(r.tokens.AToken, to, amount); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	if err := p.requireHealthy(ctx, to); err != nil {
		_ = p.ledger.Mint(r.tokens.AToken, to, amount)
		return nil, err
	}
	if err := p.ledger.Transfer(ctx, token, p.addr, to, amount); err != nil {
		_ = p.ledger.Mint(r.tokens.AToken, to, amount)
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	return new(big.Int).Set(amount), nil
}

func (p *Pool) Borrow(ctx context.Context, token common.Address, amount *big.Int, onBehalfOf common.Address) error {
	r, err := p.reserve(token)
	if err != nil {
		return err
	}
	if err := p.ledger.Mint(r.tokens.VariableDebt, onBehalfOf, amount); err != nil {
		return err
	}
	if err := p.requireHealthy(ctx, onBehalfOf); err != nil {
		_ = p.ledger.Burn(r.tokens.VariableDebt, onBehalfOf, amount)
		return err
	}
	if err := p.ledger.Transfer(ctx, token, p.addr, onBehalfOf, amount); err != nil {
		_ = p.ledger.Burn(r.tokens.VariableDebt, onBehalfOf, amount)
		return fmt.Errorf("borrow: %w: %v", ErrNoLiquidity, err)
	}
	return nil
}

// Repay pays down variable debt first, then stable debt, and returns the amount repaid.
func (p *Pool) Repay(ctx context.Context, token common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	r, err := p.reserve(token)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Set(amount)
	repaid := new(big.Int)
	for _, debt := range []common.Address{r.tokens.VariableDebt, r.tokens.StableDebt} {
		bal, err := p.ledger.BalanceOf(ctx, debt, onBehalfOf)
		if err != nil {
			return nil, err
		}
		pay := fixed.Min(bal, remaining)
		if pay.Sign() == 0 {
			continue
		}
		if err := p.ledger.Transfer(ctx, token, onBehalfOf, p.addr, pay); err != nil {
			return repaid, fmt.Errorf("repay: %w", err)
		}
		if err := p.ledger.Burn(debt, onBehalfOf, pay); err != nil {
			return repaid, err
		}
		repaid.Add(repaid, pay)
		remaining.Sub(remaining, pay)
	}
	if repaid.Sign() == 0 {
		return nil, ErrNothingToRepay
	}
	return repaid, nil
}

// FlashLoanSimple lends amount to receiverAddress for the duration of the
// receiver callback and pulls back amount plus the premium afterwards.
func (p *Pool) FlashLoanSimple(ctx context.Context, receiver protocol.FlashLoanReceiver, receiverAddress, token common.Address, amount *big.Int, data []byte) error {
	if _, err := p.reserve(token); err != nil {
		return err
	}
	premium := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.premiumBps))
	premium.Div(premium, fixed.BPSInt())
	if err := p.ledger.Transfer(ctx, token, p.addr, receiverAddress, amount); err != nil {
		return fmt.Errorf("flash loan: %w: %v", ErrNoLiquidity, err)
	}
	ok, err := receiver.OnFlashLoanReceived(ctx, p.addr, token, new(big.Int).Set(amount), premium, receiverAddress, data)
	if err == nil && !ok {
		err = ErrFlashRejected
	}
	owed := new(big.Int).Add(amount, premium)
	if pullErr := p.ledger.Transfer(ctx, token, receiverAddress, p.addr, owed); pullErr != nil {
		return errors.Join(err, fmt.Errorf("%w: %v", ErrFlashNotRepaid, pullErr))
	}
	if err != nil {
		return fmt.Errorf("flash loan callback: %w", err)
	}
	return nil
}

// HealthFactor is threshold-weighted collateral over debt, 1e18-scaled.
// An account without debt reports the maximum uint256.
func (p *Pool) HealthFactor(ctx context.Context, account common.Address) (*big.Int, error) {
	p.mu.Lock()
	reserves := make([]*reserve, 0, len(p.reserves))
	for _, r := range p.reserves {
		reserves = append(reserves, r)
	}
	p.mu.Unlock()

	collateral, debt := new(big.Int), new(big.Int)
	for _, r := range reserves {
		price, err := p.oracle.AssetPrice(ctx, r.token)
		if err != nil {
			return nil, err
		}
		supplied, err := p.ledger.BalanceOf(ctx, r.tokens.AToken, account)
		if err != nil {
			return nil, err
		}
		weighted := usdValue(supplied, price, r.decimals)
		weighted.Mul(weighted, new(big.Int).SetUint64(r.thresholdBps))
		collateral.Add(collateral, weighted.Div(weighted, fixed.BPSInt()))
		for _, d := range []common.Address{r.tokens.VariableDebt, r.tokens.StableDebt} {
			owed, err := p.ledger.BalanceOf(ctx, d, account)
			if err != nil {
				return nil, err
			}
			debt.Add(debt, usdValue(owed, price, r.decimals))
		}
	}
	if debt.Sign() == 0 {
		return new(uint256.Int).SetAllOne().ToBig(), nil
	}
	hf := collateral.Mul(collateral, fixed.Wad())
	return hf.Div(hf, debt), nil
}

func (p *Pool) requireHealthy(ctx context.Context, account common.Address) error {
	hf, err := p.HealthFactor(ctx, account)
	if err != nil {
		return err
	}
	if hf.Cmp(fixed.Wad()) < 0 {
		return fmt.Errorf("health factor %s: %w", fixed.Format(hf, 18), ErrHealthFactor)
	}
	return nil
}

func (p *Pool) LiquidationThresholdBps(_ context.Context, token common.Address) (uint64, error) {
	r, err := p.reserve(token)
	if err != nil {
		return 0, err
	}
	return r.thresholdBps, nil
}

func (p *Pool) FlashPremiumBps(context.Context) (uint64, error) {
	return p.premiumBps, nil
}

func (p *Pool) ReserveTokens(_ context.Context, token common.Address) (protocol.ReserveTokens, error) {
	r, err := p.reserve(token)
	if err != nil {
		return protocol.ReserveTokens{}, err
	}
	return r.tokens, nil
}
