package solver

import (
	"errors"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/fixed"
)

var (
	ErrDegenerate   = errors.New("solver: non-positive denominator")
	ErrInvalidInput = errors.New("solver: invalid input")
)

// Inputs is one snapshot of the position and the market rates the closed-form
// solution depends on. All rates are scaled by fixed.Precision.
type Inputs struct {
	// NetFlow is the signed deposit-currency amount entering (+) or leaving (-).
	NetFlow    *big.Int
	Collateral *big.Int
	Loan       *big.Int
	Holdings   *big.Int

	// OracleRate is deposit raw units per secondary raw unit.
	OracleRate      *big.Int
	SwapFeeBps      uint64
	FlashPremiumBps uint64

	// BuyValue and SellValue are deposit raw units per market-token raw unit.
	BuyValue  *big.Int
	SellValue *big.Int

	// ExposureRate is the exposure-adjusted secondary raw units per market-token raw unit.
	ExposureRate *big.Int

	// HDivQ is target health factor over liquidation threshold, in bps.
	HDivQ uint64
}

type Branch uint8

const (
	BranchDeposit Branch = iota
	BranchWithdrawal
)

func (b Branch) String() string {
	if b == BranchWithdrawal {
		return "withdrawal"
	}
	return "deposit"
}

// Allocation is the solver output.
type Allocation struct {
	TargetLong *big.Int
	TargetLoan *big.Int
	Branch     Branch
	// Clamped is set when the withdrawal numerator went negative and the
	// allocation was forced to zero.
	Clamped bool
}

// Solve computes the target long holdings and target loan for the given net flow.
func Solve(in Inputs) (Allocation, error) {
	if err := in.validate(); err != nil {
		return Allocation{}, err
	}
	t := fixed.OrZero(in.NetFlow)
	var (
		target  *big.Int
		clamped bool
		branch  Branch
		err     error
	)
	if t.Sign() >= 0 {
		branch = BranchDeposit
		target, err = depositTarget(in)
	} else {
		branch = BranchWithdrawal
		target, clamped, err = withdrawalTarget(in)
	}
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{
		TargetLong: target,
		TargetLoan: TargetLoan(in.ExposureRate, target),
		Branch:     branch,
		Clamped:    clamped,
	}, nil
}

// depositTarget:
//
//	rD   = P(BPS-sf)(BPS-fp)
//	numD = (C+t)·PREC·BPS² + G·bv·BPS² - L·rD
//	denD = bv·BPS²·PREC + a(hq·BPS·P - rD)
//	T    = max0(numD)·PREC / denD
func depositTarget(in Inputs) (*big.Int, error) {
	bps := fixed.BPSInt()
	bpsSq := fixed.BPSSquared()
	rD := new(big.Int).Mul(in.OracleRate, complement(in.SwapFeeBps, false))
	rD.Mul(rD, complement(in.FlashPremiumBps, false))

	num := new(big.Int).Add(fixed.OrZero(in.Collateral), fixed.OrZero(in.NetFlow))
	num.Mul(num, fixed.Precision)
	num.Mul(num, bpsSq)
	num.Add(num, new(big.Int).Mul(new(big.Int).Mul(fixed.OrZero(in.Holdings), in.BuyValue), bpsSq))
	num.Sub(num, new(big.Int).Mul(fixed.OrZero(in.Loan), rD))

	den := new(big.Int).Mul(in.BuyValue, bpsSq)
	den.Mul(den, fixed.Precision)
	health := new(big.Int).SetUint64(in.HDivQ)
	health.Mul(health, bps)
	health.Mul(health, in.OracleRate)
	health.Sub(health, rD)
	den.Add(den, health.Mul(health, fixed.OrZero(in.ExposureRate)))
	if den.Sign() <= 0 {
		return nil, fmt.Errorf("deposit branch: %w", ErrDegenerate)
	}

	out := fixed.Max0(num)
	out.Mul(out, fixed.Precision)
	return out.Div(out, den), nil
}

// withdrawalTarget:
//
//	rW   = P(BPS+sf)(BPS+fp) / BPS
//	numW = (C+t)·PREC·BPS + G·sv·BPS - L·rW
//	denW = sv·BPS·PREC + a(hq·P - rW)
//	T    = numW·PREC / denW, zero when numW < 0
func withdrawalTarget(in Inputs) (*big.Int, bool, error) {
	bps := fixed.BPSInt()
	rW := new(big.Int).Mul(in.OracleRate, complement(in.SwapFeeBps, true))
	rW.Mul(rW, complement(in.FlashPremiumBps, true))
	rW.Div(rW, bps)

	num := new(big.Int).Add(fixed.OrZero(in.Collateral), fixed.OrZero(in.NetFlow))
	num.Mul(num, fixed.Precision)
	num.Mul(num, bps)
	num.Add(num, new(big.Int).Mul(new(big.Int).Mul(fixed.OrZero(in.Holdings), in.SellValue), bps))
	num.Sub(num, new(big.Int).Mul(fixed.OrZero(in.Loan), rW))
	if num.Sign() < 0 {
		return new(big.Int), true, nil
	}

	den := new(big.Int).Mul(in.SellValue, bps)
	den.Mul(den, fixed.Precision)
	health := new(big.Int).SetUint64(in.HDivQ)
	health.Mul(health, in.OracleRate)
	health.Sub(health, rW)
	den.Add(den, health.Mul(health, fixed.OrZero(in.ExposureRate)))
	if den.Sign() <= 0 {
		return nil, false, fmt.Errorf("withdrawal branch: %w", ErrDegenerate)
	}

	num.Mul(num, fixed.Precision)
	return num.Div(num, den), false, nil
}

// TargetLoan returns rate·targetLong / PRECISION.
func TargetLoan(rate, targetLong *big.Int) *big.Int {
	out := new(big.Int).Mul(fixed.OrZero(rate), fixed.OrZero(targetLong))
	return out.Div(out, fixed.Precision)
}

// TargetCollateral is the collateral that keeps the target health factor for
// loan: hq·loan·P / (BPS·PRECISION).
func TargetCollateral(hDivQ uint64, loan, oracleRate *big.Int) *big.Int {
	out := new(big.Int).SetUint64(hDivQ)
	out.Mul(out, fixed.OrZero(loan))
	out.Mul(out, fixed.OrZero(oracleRate))
	den := new(big.Int).Mul(fixed.BPSInt(), fixed.Precision)
	return out.Div(out, den)
}

// HDivQ returns healthBps·BPS / liquidationThresholdBps.
func HDivQ(healthBps, liquidationThresholdBps uint64) (uint64, error) {
	if liquidationThresholdBps == 0 {
		return 0, fmt.Errorf("liquidation threshold: %w", ErrInvalidInput)
	}
	return healthBps * fixed.BPS / liquidationThresholdBps, nil
}

// ExposureRate adjusts the secondary component of the long sell rate by the
// venue's net open interest: max0(sellSecondary + exposure·PRECISION/supply).
func ExposureRate(sellSecondary, exposure, totalSupply *big.Int) *big.Int {
	rate := new(big.Int).Set(fixed.OrZero(sellSecondary))
	if totalSupply != nil && totalSupply.Sign() > 0 && exposure != nil {
		adj := new(big.Int).Mul(exposure, fixed.Precision)
		rate.Add(rate, adj.Quo(adj, totalSupply))
	}
	return fixed.Max0(rate)
}

func (in Inputs) validate() error {
	if in.OracleRate == nil || in.OracleRate.Sign() <= 0 {
		return fmt.Errorf("oracle rate: %w", ErrInvalidInput)
	}
	if in.SwapFeeBps >= fixed.BPS || in.FlashPremiumBps >= fixed.BPS {
		return fmt.Errorf("fee above 100%%: %w", ErrInvalidInput)
	}
	t := fixed.OrZero(in.NetFlow)
	if t.Sign() >= 0 && (in.BuyValue == nil || in.BuyValue.Sign() <= 0) {
		return fmt.Errorf("buy value: %w", ErrInvalidInput)
	}
	if t.Sign() < 0 && (in.SellValue == nil || in.SellValue.Sign() <= 0) {
		return fmt.Errorf("sell value: %w", ErrInvalidInput)
	}
	for _, v := range []*big.Int{in.Collateral, in.Loan, in.Holdings, in.ExposureRate} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("negative position: %w", ErrInvalidInput)
		}
	}
	return nil
}

func complement(feeBps uint64, add bool) *big.Int {
	out := fixed.BPSInt()
	if add {
		return out.Add(out, new(big.Int).SetUint64(feeBps))
	}
	return out.Sub(out, new(big.Int).SetUint64(feeBps))
}
