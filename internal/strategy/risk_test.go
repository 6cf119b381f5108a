package strategy

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"dn-yield-strategy/internal/market"
)

func wad(v string) *big.Int {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic(v)
	}
	return out
}

// hedgedSnapshot holds 1000 market tokens worth 0.25 secondary each, hedged
// by a 250 secondary loan.
func hedgedSnapshot() market.Snapshot {
	return market.Snapshot{
		Holdings:     wad("1000000000000000000000"),
		Loan:         wad("250000000000000000000"),
		HealthFactor: wad("1500000000000000000"),
		Sell:         market.SellRates{Secondary: wad("250000000000000000000000000000")},
		Exposure:     new(big.Int),
		TotalSupply:  wad("1000000000000000000000000"),
	}
}

var testLimits = RiskLimits{HealthLowBps: 12000, HealthHighBps: 18000, ImbalanceBps: 500}

func TestCheckRiskWithinLimits(t *testing.T) {
	if err := CheckRisk(testLimits, hedgedSnapshot()); err != nil {
		t.Fatalf("expected no risk, got %v", err)
	}
}

func TestCheckRiskHealthBounds(t *testing.T) {
	snap := hedgedSnapshot()
	snap.HealthFactor = wad("1100000000000000000")
	if err := CheckRisk(testLimits, snap); !errors.Is(err, ErrHealthLow) {
		t.Fatalf("expected ErrHealthLow, got %v", err)
	}
	snap.HealthFactor = wad("2000000000000000000")
	if err := CheckRisk(testLimits, snap); !errors.Is(err, ErrHealthHigh) {
		t.Fatalf("expected ErrHealthHigh, got %v", err)
	}
	// no loan, no health check
	snap = hedgedSnapshot()
	snap.Loan = new(big.Int)
	snap.Holdings = new(big.Int)
	snap.HealthFactor = new(big.Int).SetUint64(math.MaxUint64)
	if err := CheckRisk(testLimits, snap); err != nil {
		t.Fatalf("expected no risk without a loan, got %v", err)
	}
}

func TestImbalance(t *testing.T) {
	snap := hedgedSnapshot()
	snap.Loan = wad("275000000000000000000")
	if got := ImbalanceBps(snap); got != 1000 {
		t.Fatalf("expected 1000 bps, got %d", got)
	}
	if err := CheckRisk(testLimits, snap); !errors.Is(err, ErrImbalance) {
		t.Fatalf("expected ErrImbalance, got %v", err)
	}
	snap.Holdings = new(big.Int)
	if got := ImbalanceBps(snap); got != math.MaxUint64 {
		t.Fatalf("expected saturated imbalance, got %d", got)
	}
}

func TestHealthFactorBps(t *testing.T) {
	if got := HealthFactorBps(wad("1234500000000000000")); got != 12345 {
		t.Fatalf("expected 12345, got %d", got)
	}
}
