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
)

var (
	ErrZeroShares    = errors.New("zero shares")
	ErrNoStrategy    = errors.New("vault has no strategy attached")
	ErrNotPending    = errors.New("no request pending")
	ErrShareMismatch = errors.New("share amount does not match request")
)

// Strategy is the part of the strategy surface the vault forwards requests to.
type Strategy interface {
	Deposit(ctx context.Context, caller common.Address, assets *big.Int, receiver, owner common.Address) (*big.Int, error)
	Withdraw(ctx context.Context, caller common.Address, assets *big.Int, receiver, owner common.Address) (*big.Int, error)
	Redeem(ctx context.Context, caller common.Address, shares *big.Int, receiver, owner common.Address) (*big.Int, error)
	TotalAssets(ctx context.Context) (*big.Int, error)
}

// VaultOutcome is one After* notification received from the strategy.
type VaultOutcome struct {
	Params  protocol.TxParams
	Assets  *big.Int
	Success bool
}

// Vault issues shares against the strategy's total assets. Withdraw and redeem
// escrow the owner's shares until the strategy reports the outcome; a failed
// request returns them.
type Vault struct {
	mu       sync.Mutex
	addr     common.Address
	asset    common.Address
	shares   common.Address
	ledger   *Ledger
	strategy Strategy
	target   common.Address
	pending  *protocol.TxParams
	outcomes []VaultOutcome
}

// NewVault registers the share token at shareToken with the asset's decimals.
func NewVault(addr, asset, shareToken common.Address, ledger *Ledger) (*Vault, error) {
	info, err := ledger.Info(asset)
	if err != nil {
		return nil, err
	}
	ledger.Register(shareToken, "dn"+info.Symbol, info.Decimals)
	return &Vault{addr: addr, asset: asset, shares: shareToken, ledger: ledger}, nil
}

// Attach wires the strategy that holds the vault's assets at strategyAddr.
func (v *Vault) Attach(strategy Strategy, strategyAddr common.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.strategy = strategy
	v.target = strategyAddr
}

func (v *Vault) Address() common.Address    { return v.addr }
func (v *Vault) ShareToken() common.Address { return v.shares }

func (v *Vault) SharesOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return v.ledger.BalanceOf(ctx, v.shares, holder)
}

func (v *Vault) Outcomes() []VaultOutcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]VaultOutcome(nil), v.outcomes...)
}

// Deposit moves assets from user to the strategy and mints shares once the
// strategy reports success.
func (v *Vault) Deposit(ctx context.Context, user common.Address, assets *big.Int, receiver common.Address) (*big.Int, error) {
	strategy, target, err := v.attached()
	if err != nil {
		return nil, err
	}
	total, supply, err := v.totals(ctx, strategy)
	if err != nil {
		return nil, err
	}
	shares := new(big.Int).Set(assets)
	if supply.Sign() > 0 {
		if total.Sign() == 0 {
			return nil, fmt.Errorf("vault has shares but no assets")
		}
		if shares, err = fixed.MulDiv(assets, supply, total); err != nil {
			return nil, err
		}
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if err := v.ledger.Transfer(ctx, v.asset, user, target, assets); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	params := protocol.TxParams{Kind: protocol.TxDeposit, Assets: new(big.Int).Set(assets), Shares: shares, Receiver: receiver, Owner: user}
	v.setPending(&params)
	defer v.setPending(nil)
	return strategy.Deposit(ctx, v.addr, assets, receiver, user)
}

// Withdraw escrows the shares worth assets (rounded up) and asks the strategy to pay receiver.
func (v *Vault) Withdraw(ctx context.Context, user common.Address, assets *big.Int, receiver common.Address) (*big.Int, error) {
	strategy, _, err := v.attached()
	if err != nil {
		return nil, err
	}
	total, supply, err := v.totals(ctx, strategy)
	if err != nil {
		return nil, err
	}
	if total.Sign() == 0 {
		return nil, ErrZeroShares
	}
	shares := new(big.Int).Mul(assets, supply)
	shares.Add(shares, new(big.Int).Sub(total, big.NewInt(1)))
	shares.Div(shares, total)
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if err := v.ledger.Transfer(ctx, v.shares, user, v.addr, shares); err != nil {
		return nil, fmt.Errorf("escrow shares: %w", err)
	}
	params := protocol.TxParams{Kind: protocol.TxWithdraw, Assets: new(big.Int).Set(assets), Shares: shares, Receiver: receiver, Owner: user}
	v.setPending(&params)
	defer v.setPending(nil)
	return strategy.Withdraw(ctx, v.addr, assets, receiver, user)
}

// Redeem escrows shares and asks the strategy to pay their value to receiver.
func (v *Vault) Redeem(ctx context.Context, user common.Address, shares *big.Int, receiver common.Address) (*big.Int, error) {
	strategy, _, err := v.attached()
	if err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroShares
	}
	if err := v.ledger.Transfer(ctx, v.shares, user, v.addr, shares); err != nil {
		return nil, fmt.Errorf("escrow shares: %w", err)
	}
	params := protocol.TxParams{Kind: protocol.TxRedeem, Shares: new(big.Int).Set(shares), Receiver: receiver, Owner: user}
	v.setPending(&params)
	defer v.setPending(nil)
	return strategy.Redeem(ctx, v.addr, shares, receiver, user)
}

func (v *Vault) PendingTxParams(context.Context) (protocol.TxParams, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pending == nil {
		return protocol.TxParams{}, ErrNotPending
	}
	return *v.pending, nil
}

func (v *Vault) TotalShares(ctx context.Context) (*big.Int, error) {
	return v.ledger.TotalSupply(ctx, v.shares)
}

func (v *Vault) AfterDeposit(ctx context.Context, params protocol.TxParams, success bool) error {
	v.record(params, params.Assets, success)
	if !success {
		return nil
	}
	return v.ledger.Mint(v.shares, params.Receiver, fixed.OrZero(params.Shares))
}

func (v *Vault) AfterWithdraw(ctx context.Context, params protocol.TxParams, assets *big.Int, success bool) error {
	v.record(params, assets, success)
	return v.settleEscrow(ctx, params, success)
}

func (v *Vault) AfterRedeem(ctx context.Context, params protocol.TxParams, assets *big.Int, success bool) error {
	v.record(params, assets, success)
	return v.settleEscrow(ctx, params, success)
}

// settleEscrow burns escrowed shares on success and returns them otherwise.
func (v *Vault) settleEscrow(ctx context.Context, params protocol.TxParams, success bool) error {
	shares := fixed.OrZero(params.Shares)
	if shares.Sign() == 0 {
		return ErrShareMismatch
	}
	if success {
		return v.ledger.Burn(v.shares, v.addr, shares)
	}
	return v.ledger.Transfer(ctx, v.shares, v.addr, params.Owner, shares)
}

func (v *Vault) record(params protocol.TxParams, assets *big.Int, success bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outcomes = append(v.outcomes, VaultOutcome{Params: params, Assets: fixed.OrZero(assets), Success: success})
}

func (v *Vault) attached() (Strategy, common.Address, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.strategy == nil {
		return nil, common.Address{}, ErrNoStrategy
	}
	return v.strategy, v.target, nil
}

func (v *Vault) totals(ctx context.Context, strategy Strategy) (*big.Int, *big.Int, error) {
	total, err := strategy.TotalAssets(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy total assets: %w", err)
	}
	supply, err := v.ledger.TotalSupply(ctx, v.shares)
	if err != nil {
		return nil, nil, err
	}
	return total, supply, nil
}

func (v *Vault) setPending(p *protocol.TxParams) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = p
}
