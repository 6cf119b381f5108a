package strategy

import (
	"context"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Rebalance re-solves the allocation with no net flow.
func (s *Strategy) Rebalance(ctx context.Context, caller common.Address) error {
	if err := s.requireRole(caller, s.params.Keeper, s.params.Admin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Emergency {
		return fmt.Errorf("rebalance: %w", ErrEmergency)
	}
	fl := s.newFlow(protocol.TxRebalance, new(big.Int))
	if err := s.acquireMode(ctx, ModeRebalance, fl.id); err != nil {
		return err
	}
	s.log.Info("rebalance started", zap.String("flow_id", fl.id))
	return s.run(ctx, fl)
}

func (s *Strategy) EmergencyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Emergency
}

// SetEmergencyMode unwinds the whole position into idle deposit currency
// (on) or redeploys the idle balance (off). Setting the current value is a no-op.
func (s *Strategy) SetEmergencyMode(ctx context.Context, caller common.Address, on bool) error {
	if err := s.requireRole(caller, s.params.Admin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Emergency == on {
		return nil
	}
	snap, err := s.reader.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	kind := protocol.TxEmergencyExit
	netFlow := new(big.Int).Set(snap.IdleDeposit)
	if on {
		kind = protocol.TxEmergencyEnter
		netFlow.Sub(snap.IdleDeposit, snap.TotalAssets())
	}
	fl := s.newFlow(kind, netFlow)
	fl.forceUnwind = on
	if err := s.acquireMode(ctx, ModeEmergency, fl.id); err != nil {
		return err
	}
	s.log.Warn("emergency mode change requested",
		zap.String("flow_id", fl.id),
		zap.Bool("on", on),
		zap.Stringer("net_flow", s.depositAmount(netFlow)),
	)
	nothingDeployed := snap.Holdings.Sign() == 0 && snap.Loan.Sign() == 0 && snap.Collateral.Sign() == 0
	if (on && nothingDeployed) || (!on && snap.IdleDeposit.Sign() == 0) {
		s.settleDirect(ctx, fl)
		return nil
	}
	return s.run(ctx, fl)
}
