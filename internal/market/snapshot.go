package market

import (
	"context"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/solver"
)

// Snapshot is one consistent read of everything the solver and the risk
// checks need.
type Snapshot struct {
	Holdings        *big.Int
	Loan            *big.Int
	Collateral      *big.Int
	IdleDeposit     *big.Int
	IdleSecondary   *big.Int
	OracleRate      *big.Int
	ImpliedRate     *big.Int
	SwapFeeBps      uint64
	FlashPremiumBps uint64
	Sell            SellRates
	BuyValue        *big.Int
	Exposure        *big.Int
	TotalSupply     *big.Int
	HealthFactor    *big.Int
	LiqThresholdBps uint64
}

func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		s   Snapshot
		err error
	)
	s.SwapFeeBps = r.cfg.SwapFeeBps()
	if s.Holdings, err = r.CurrentLongHoldings(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Loan, err = r.CurrentLoanBalance(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Collateral, err = r.CurrentCollateral(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.IdleDeposit, err = r.IdleBalance(ctx, r.cfg.Deposit); err != nil {
		return Snapshot{}, err
	}
	if s.IdleSecondary, err = r.IdleBalance(ctx, r.cfg.Secondary); err != nil {
		return Snapshot{}, err
	}
	if s.OracleRate, err = r.OracleRate(ctx); err != nil {
		return Snapshot{}, err
	}
	s.ImpliedRate = fixed.SubBps(s.OracleRate, s.SwapFeeBps)
	if s.FlashPremiumBps, err = r.FlashPremiumBps(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Sell, err = r.sellRates(ctx, s.ImpliedRate); err != nil {
		return Snapshot{}, err
	}
	if s.BuyValue, err = r.LongBuyRate(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Exposure, err = r.OpenInterestExposure(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.TotalSupply, err = r.TotalLongSupply(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.HealthFactor, err = r.HealthFactor(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.LiqThresholdBps, err = r.LiquidationThresholdBps(ctx); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// ExposureRate is the secondary sell component adjusted by open interest.
func (s Snapshot) ExposureRate() *big.Int {
	return solver.ExposureRate(s.Sell.Secondary, s.Exposure, s.TotalSupply)
}

// SolverInputs builds the solver inputs for netFlow at the given target health factor (bps).
func (s Snapshot) SolverInputs(netFlow *big.Int, targetHealthBps uint64) (solver.Inputs, error) {
	hq, err := solver.HDivQ(targetHealthBps, s.LiqThresholdBps)
	if err != nil {
		return solver.Inputs{}, err
	}
	return solver.Inputs{
		NetFlow:         netFlow,
		Collateral:      s.Collateral,
		Loan:            s.Loan,
		Holdings:        s.Holdings,
		OracleRate:      s.OracleRate,
		SwapFeeBps:      s.SwapFeeBps,
		FlashPremiumBps: s.FlashPremiumBps,
		BuyValue:        s.BuyValue,
		SellValue:       s.Sell.Value,
		ExposureRate:    s.ExposureRate(),
		HDivQ:           hq,
	}, nil
}

// TotalAssets values the whole position in deposit raw units, clamped at zero.
// The loan is valued at the cost of buying it back.
func (s Snapshot) TotalAssets() *big.Int {
	total := new(big.Int).Add(fixed.OrZero(s.IdleDeposit), fixed.OrZero(s.Collateral))
	long := new(big.Int).Mul(fixed.OrZero(s.Holdings), fixed.OrZero(s.Sell.Value))
	total.Add(total, long.Div(long, fixed.Precision))
	idle := new(big.Int).Mul(fixed.OrZero(s.IdleSecondary), fixed.OrZero(s.ImpliedRate))
	total.Add(total, idle.Div(idle, fixed.Precision))
	debt := new(big.Int).Mul(fixed.OrZero(s.Loan), fixed.AddBps(fixed.OrZero(s.OracleRate), s.SwapFeeBps))
	debt.Add(debt, new(big.Int).Sub(fixed.Precision, big.NewInt(1)))
	total.Sub(total, debt.Div(debt, fixed.Precision))
	return fixed.Max0(total)
}

func (r *Reader) TotalAssets(ctx context.Context) (*big.Int, error) {
	s, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.TotalAssets(), nil
}
