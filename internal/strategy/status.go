package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/state"

	"github.com/shopspring/decimal"
)

// Status renders a human-readable report of the position.
func (s *Strategy) Status(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.reader.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	pending, err := state.ListPending(ctx, s.store)
	if err != nil {
		return "", fmt.Errorf("list pending: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "emergency: %t\n", s.meta.Emergency)
	if lock := s.meta.Lock; lock != nil {
		fmt.Fprintf(&b, "mode lock: %s flow=%s age=%s\n", lock.Mode, lock.FlowID, s.now().Sub(lock.AcquiredAt()).Truncate(time.Second))
	} else {
		b.WriteString("mode lock: none\n")
	}
	fmt.Fprintf(&b, "total assets: %s\n", fixed.Format(snap.TotalAssets(), s.params.DepositDecimals))
	fmt.Fprintf(&b, "idle: %s\n", fixed.Format(snap.IdleDeposit, s.params.DepositDecimals))
	fmt.Fprintf(&b, "holdings: %s\n", fixed.Format(snap.Holdings, s.params.MarketDecimals))
	fmt.Fprintf(&b, "collateral: %s\n", fixed.Format(snap.Collateral, s.params.DepositDecimals))
	fmt.Fprintf(&b, "loan: %s\n", fixed.Format(snap.Loan, s.params.SecondaryDecimals))
	if snap.Loan.Sign() > 0 {
		fmt.Fprintf(&b, "health factor: %s\n", decimal.NewFromBigInt(snap.HealthFactor, -18).StringFixed(4))
	} else {
		b.WriteString("health factor: n/a\n")
	}
	fmt.Fprintf(&b, "imbalance: %s%%\n", decimal.NewFromInt(int64(min(ImbalanceBps(snap), 1_000_000))).Shift(-2).StringFixed(2))
	fmt.Fprintf(&b, "pending orders: %d\n", len(pending))
	if s.meta.FlashAmount != nil && s.meta.FlashAmount.Sign() > 0 {
		fmt.Fprintf(&b, "flash loan: %s of %s\n", s.meta.FlashAmount, s.meta.FlashToken.Hex())
	}
	if last := s.meta.LastHarvest(); !last.IsZero() {
		fmt.Fprintf(&b, "last harvest: %s\n", last.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
