package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/market"

	"go.uber.org/zap"
)

var (
	ErrHealthLow  = errors.New("health factor below threshold")
	ErrHealthHigh = errors.New("health factor above threshold")
	ErrImbalance  = errors.New("loan imbalanced against long exposure")
)

// RiskLimits are the rebalance triggers, all in basis points.
type RiskLimits struct {
	HealthLowBps  uint64
	HealthHighBps uint64
	ImbalanceBps  uint64
}

func (p Params) riskLimits() RiskLimits {
	return RiskLimits{HealthLowBps: p.HealthLowBps, HealthHighBps: p.HealthHighBps, ImbalanceBps: p.ImbalanceBps}
}

// CheckRisk returns nil when the position is inside every limit. Health
// limits only apply while a loan is open.
func CheckRisk(limits RiskLimits, snap market.Snapshot) error {
	if fixed.OrZero(snap.Loan).Sign() > 0 && snap.HealthFactor != nil {
		hf := HealthFactorBps(snap.HealthFactor)
		if limits.HealthLowBps > 0 && hf < limits.HealthLowBps {
			return fmt.Errorf("health %d bps below %d: %w", hf, limits.HealthLowBps, ErrHealthLow)
		}
		if limits.HealthHighBps > 0 && hf > limits.HealthHighBps {
			return fmt.Errorf("health %d bps above %d: %w", hf, limits.HealthHighBps, ErrHealthHigh)
		}
	}
	if limits.ImbalanceBps > 0 {
		if imbalance := ImbalanceBps(snap); imbalance > limits.ImbalanceBps {
			return fmt.Errorf("imbalance %d bps above %d: %w", imbalance, limits.ImbalanceBps, ErrImbalance)
		}
	}
	return nil
}

// HealthFactorBps converts a 1e18 health factor to basis points, saturating.
func HealthFactorBps(hf *big.Int) uint64 {
	v := new(big.Int).Mul(hf, fixed.BPSInt())
	v.Div(v, fixed.Wad())
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// ImbalanceBps is |loan - a*G| relative to a*G, where a*G is the loan that
// would exactly hedge the current holdings. An open loan with nothing to
// hedge is maximally imbalanced.
func ImbalanceBps(snap market.Snapshot) uint64 {
	loan := fixed.OrZero(snap.Loan)
	hedge := mulPrecision(snap.Holdings, snap.ExposureRate())
	if hedge.Sign() == 0 {
		if loan.Sign() > 0 {
			return math.MaxUint64
		}
		return 0
	}
	diff := new(big.Int).Sub(loan, hedge)
	diff.Abs(diff).Mul(diff, fixed.BPSInt())
	diff.Div(diff, hedge)
	if !diff.IsUint64() {
		return math.MaxUint64
	}
	return diff.Uint64()
}

// NeedRebalance reports whether the health factor or the hedge ratio is out of range.
func (s *Strategy) NeedRebalance(ctx context.Context) (bool, error) {
	snap, err := s.reader.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if err := CheckRisk(s.params.riskLimits(), snap); err != nil {
		s.log.Info("rebalance needed", zap.Error(err))
		return true, nil
	}
	return false, nil
}
