package strategy

import (
	"context"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// NeedHarvest reports whether HarvestInterval has passed since the last harvest.
func (s *Strategy) NeedHarvest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.meta.LastHarvest()
	return last.IsZero() || s.now().Sub(last) >= s.params.HarvestInterval
}

// Harvest charges the performance fee on share price growth since the last
// harvest. The fee is paid from idle balance when it suffices and otherwise
// raised by unwinding part of the position.
func (s *Strategy) Harvest(ctx context.Context, caller common.Address) error {
	if err := s.requireRole(caller, s.params.Keeper, s.params.Admin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Emergency {
		return fmt.Errorf("harvest: %w", ErrEmergency)
	}
	supply, err := s.vault.TotalShares(ctx)
	if err != nil {
		return fmt.Errorf("vault supply: %w", err)
	}
	if supply.Sign() == 0 {
		s.log.Info("harvest skipped, no shares outstanding")
		return nil
	}
	fl := s.newFlow(protocol.TxHarvest, new(big.Int))
	if err := s.acquireMode(ctx, ModeHarvest, fl.id); err != nil {
		return err
	}
	if s.meta.LastHarvestPrice == nil || s.meta.LastHarvestPrice.Sign() == 0 {
		err := s.recordHarvest(ctx, nil)
		s.releaseMode(ctx, fl.id)
		if err == nil {
			s.log.Info("first harvest recorded", zap.String("price", s.meta.LastHarvestPrice.String()))
		}
		return err
	}

	total, err := s.reader.TotalAssets(ctx)
	if err != nil {
		s.releaseMode(ctx, fl.id)
		return err
	}
	fee, err := s.performanceFee(total, supply)
	if err != nil {
		s.releaseMode(ctx, fl.id)
		return err
	}
	idle, err := s.reader.IdleBalance(ctx, s.params.Deposit)
	if err != nil {
		s.releaseMode(ctx, fl.id)
		return err
	}
	fl.tx.Strategy.Assets = fee
	s.log.Info("harvest started",
		zap.String("flow_id", fl.id),
		zap.Stringer("total_assets", s.depositAmount(total)),
		zap.Stringer("fee", s.depositAmount(fee)),
		zap.Stringer("idle", s.depositAmount(idle)),
	)
	if idle.Cmp(fee) >= 0 {
		s.settleDirect(ctx, fl)
		return nil
	}
	fl.netFlow = new(big.Int).Sub(idle, fee)
	return s.run(ctx, fl)
}

// performanceFee is PerformanceFeeBps of the value gained by the shares
// outstanding at the last harvest.
func (s *Strategy) performanceFee(total, supply *big.Int) (*big.Int, error) {
	price, err := fixed.MulDiv(total, fixed.Wad(), supply)
	if err != nil {
		return nil, fmt.Errorf("share price: %w", err)
	}
	gain := new(big.Int).Sub(price, s.meta.LastHarvestPrice)
	if gain.Sign() <= 0 {
		return new(big.Int), nil
	}
	profit, err := fixed.MulDiv(gain, fixed.OrZero(s.meta.LastHarvestSupply), fixed.Wad())
	if err != nil {
		return nil, fmt.Errorf("profit: %w", err)
	}
	return fixed.MulDiv(profit, new(big.Int).SetUint64(s.params.PerformanceFeeBps), fixed.BPSInt())
}
