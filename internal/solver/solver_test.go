package solver

import (
	"errors"
	"math/big"
	"testing"
)

func mustInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad int %q", s)
	}
	return v
}

// WETH at $2000 against USDC: 2000e6 raw USDC per 1e18 raw WETH, scaled by 1e30.
func baseInputs(t *testing.T) Inputs {
	return Inputs{
		NetFlow:         big.NewInt(1_000_000_000_000),
		Collateral:      new(big.Int),
		Loan:            new(big.Int),
		Holdings:        new(big.Int),
		OracleRate:      mustInt(t, "2000000000000000000000"),
		SwapFeeBps:      5,
		FlashPremiumBps: 5,
		BuyValue:        mustInt(t, "1000000000000000000"),
		SellValue:       mustInt(t, "1000000000000000000"),
		ExposureRate:    mustInt(t, "250000000000000000000000000"),
		HDivQ:           18750,
	}
}

func TestSolveDepositGolden(t *testing.T) {
	alloc, err := Solve(baseInputs(t))
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if alloc.Branch != BranchDeposit {
		t.Fatalf("expected deposit branch, got %s", alloc.Branch)
	}
	if want := mustInt(t, "695410352521762215034963"); alloc.TargetLong.Cmp(want) != 0 {
		t.Fatalf("target long: got %s want %s", alloc.TargetLong, want)
	}
	if want := mustInt(t, "173852588130440553758"); alloc.TargetLoan.Cmp(want) != 0 {
		t.Fatalf("target loan: got %s want %s", alloc.TargetLoan, want)
	}
}

func TestSolveDepositWithinBounds(t *testing.T) {
	in := baseInputs(t)
	alloc, err := Solve(in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if alloc.TargetLong.Sign() <= 0 {
		t.Fatalf("expected positive target, got %s", alloc.TargetLong)
	}
	// Value of the long leg in deposit units cannot exceed the deposited amount.
	value := new(big.Int).Mul(alloc.TargetLong, in.BuyValue)
	value.Div(value, mustInt(t, "1000000000000000000000000000000"))
	if value.Cmp(in.NetFlow) > 0 {
		t.Fatalf("long leg worth %s exceeds deposit %s", value, in.NetFlow)
	}
}

func TestSolveWithdrawalGolden(t *testing.T) {
	in := baseInputs(t)
	in.NetFlow = big.NewInt(-200_000_000_000)
	in.Collateral = big.NewInt(651_947_205_489)
	in.Loan = mustInt(t, "173852588130440553758")
	in.Holdings = mustInt(t, "695410352521762215034963")
	alloc, err := Solve(in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if alloc.Branch != BranchWithdrawal || alloc.Clamped {
		t.Fatalf("unexpected branch %s clamped=%v", alloc.Branch, alloc.Clamped)
	}
	if want := mustInt(t, "556231495599348024432618"); alloc.TargetLong.Cmp(want) != 0 {
		t.Fatalf("target long: got %s want %s", alloc.TargetLong, want)
	}
	if want := mustInt(t, "139057873899837006108"); alloc.TargetLoan.Cmp(want) != 0 {
		t.Fatalf("target loan: got %s want %s", alloc.TargetLoan, want)
	}
}

func TestSolveWithdrawalClampsToZero(t *testing.T) {
	in := baseInputs(t)
	in.NetFlow = big.NewInt(-2_000_000_000_000)
	alloc, err := Solve(in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !alloc.Clamped {
		t.Fatalf("expected clamp")
	}
	if alloc.TargetLong.Sign() != 0 || alloc.TargetLoan.Sign() != 0 {
		t.Fatalf("expected exact zero, got %s/%s", alloc.TargetLong, alloc.TargetLoan)
	}
}

func TestSolveZeroFlowFixedPoint(t *testing.T) {
	in := baseInputs(t)
	in.SwapFeeBps = 0
	in.FlashPremiumBps = 0
	in.ExposureRate = mustInt(t, "200000000000000000000000000")
	in.HDivQ = 20000

	first, err := Solve(in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if want := mustInt(t, "714285714285714285714285"); first.TargetLong.Cmp(want) != 0 {
		t.Fatalf("target long: got %s want %s", first.TargetLong, want)
	}
	in.Holdings = first.TargetLong
	in.Loan = first.TargetLoan
	in.Collateral = TargetCollateral(in.HDivQ, first.TargetLoan, in.OracleRate)
	if want := big.NewInt(571_428_571_428); in.Collateral.Cmp(want) != 0 {
		t.Fatalf("collateral: got %s want %s", in.Collateral, want)
	}
	in.NetFlow = new(big.Int)

	second, err := Solve(in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	assertClose(t, "target long", first.TargetLong, second.TargetLong)
	assertClose(t, "target loan", first.TargetLoan, second.TargetLoan)
}

func TestSolveWithdrawalHalfUnwind(t *testing.T) {
	in := baseInputs(t)
	in.SwapFeeBps = 0
	in.FlashPremiumBps = 0
	in.ExposureRate = mustInt(t, "200000000000000000000000000")
	in.HDivQ = 20000
	in.Holdings = mustInt(t, "714285714285714285714285")
	in.Loan = mustInt(t, "142857142857142857142")
	in.Collateral = big.NewInt(571_428_571_428)
	in.NetFlow = big.NewInt(-500_000_000_000)

	alloc, err := Solve(in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if want := mustInt(t, "357142857142448979593060"); alloc.TargetLong.Cmp(want) != 0 {
		t.Fatalf("target long: got %s want %s", alloc.TargetLong, want)
	}
}

func TestSolveDegenerateDenominator(t *testing.T) {
	in := baseInputs(t)
	in.HDivQ = 0
	in.ExposureRate = mustInt(t, "1000000000000000000000000000000")
	if _, err := Solve(in); !errors.Is(err, ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate, got %v", err)
	}
}

func TestSolveRejectsInvalidInputs(t *testing.T) {
	in := baseInputs(t)
	in.OracleRate = nil
	if _, err := Solve(in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	in = baseInputs(t)
	in.NetFlow = big.NewInt(-1)
	in.SellValue = new(big.Int)
	if _, err := Solve(in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for sell value, got %v", err)
	}
}

func TestHDivQ(t *testing.T) {
	got, err := HDivQ(15000, 8000)
	if err != nil {
		t.Fatalf("hdivq: %v", err)
	}
	if got != 18750 {
		t.Fatalf("expected 18750, got %d", got)
	}
	if _, err := HDivQ(15000, 0); err == nil {
		t.Fatalf("expected error for zero threshold")
	}
}

func TestExposureRate(t *testing.T) {
	sell := mustInt(t, "250000000000000000000000000")
	supply := mustInt(t, "1000000000000000000000000")
	exposure := mustInt(t, "-100000000000000000000")
	if got, want := ExposureRate(sell, exposure, supply), mustInt(t, "150000000000000000000000000"); got.Cmp(want) != 0 {
		t.Fatalf("got %s want %s", got, want)
	}
	exposure = mustInt(t, "-1000000000000000000000")
	if got := ExposureRate(sell, exposure, supply); got.Sign() != 0 {
		t.Fatalf("expected clamp to zero, got %s", got)
	}
	if got := ExposureRate(sell, exposure, new(big.Int)); got.Cmp(sell) != 0 {
		t.Fatalf("zero supply should leave rate unchanged, got %s", got)
	}
}

func assertClose(t *testing.T, name string, want, got *big.Int) {
	t.Helper()
	diff := new(big.Int).Sub(want, got)
	diff.Abs(diff)
	tol := new(big.Int).Div(want, big.NewInt(1_000_000_000))
	if diff.Cmp(tol) > 0 {
		t.Fatalf("%s drifted: %s vs %s", name, want, got)
	}
}
