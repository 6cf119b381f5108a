package app

import (
	"context"
	"errors"
	"time"

	"dn-yield-strategy/internal/strategy"
	"dn-yield-strategy/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func (a *App) keeperLoop(ctx context.Context) error {
	if a.cfg.Keeper.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(a.cfg.Keeper.Interval)
	defer ticker.Stop()
	var lastPrices time.Time
	for {
		lastPrices = a.tick(ctx, lastPrices)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one keeper pass and returns the time prices were last synced.
func (a *App) tick(ctx context.Context, lastPrices time.Time) time.Time {
	if a.isPaused() {
		a.log.Debug("keeper paused")
		return lastPrices
	}
	now := a.now()
	if a.prices != nil && now.Sub(lastPrices) >= a.cfg.Paper.PriceInterval {
		if err := a.syncPrices(ctx); err != nil {
			a.log.Warn("price sync failed", zap.Error(err))
		} else {
			lastPrices = now
		}
	}
	if a.cfg.Keeper.ExecuteOrdersValue() {
		if n, err := a.world.Venue.ExecutePending(ctx); err != nil {
			a.log.Warn("execute pending orders failed", zap.Error(err))
		} else if n > 0 {
			a.log.Info("executed pending orders", zap.Int("count", n))
		}
	}
	if err := a.maintain(ctx); err != nil {
		a.log.Warn("keeper maintenance failed", zap.Error(err))
	}
	a.recordPosition(ctx)
	return lastPrices
}

func (a *App) syncPrices(ctx context.Context) error {
	s := a.cfg.Strategy
	return a.prices.Sync(ctx, a.world.Oracle, map[string]common.Address{
		s.DepositSymbol:   a.world.Addr.Deposit,
		s.SecondarySymbol: a.world.Addr.Secondary,
	})
}

// maintain triggers a rebalance or a harvest when one is due. Rebalance wins
// because both take the mode lock.
func (a *App) maintain(ctx context.Context) error {
	if a.strategy.EmergencyMode() {
		return nil
	}
	need, err := a.strategy.NeedRebalance(ctx)
	if err != nil {
		return err
	}
	if need {
		return ignoreBusy(a.strategy.Rebalance(ctx, a.keeper))
	}
	if a.strategy.NeedHarvest() {
		return ignoreBusy(a.strategy.Harvest(ctx, a.keeper))
	}
	return nil
}

// ignoreBusy drops the errors a keeper sees while another flow is in flight.
func ignoreBusy(err error) error {
	if errors.Is(err, strategy.ErrInProgress) || errors.Is(err, strategy.ErrEmergency) {
		return nil
	}
	return err
}

func (a *App) recordPosition(ctx context.Context) {
	if a.timescale == nil {
		return
	}
	snap, err := a.strategy.Reader().Snapshot(ctx)
	if err != nil {
		a.log.Warn("position snapshot failed", zap.Error(err))
		return
	}
	pending, err := a.strategy.PendingOperations(ctx)
	if err != nil {
		a.log.Warn("list pending failed", zap.Error(err))
		return
	}
	var mode string
	if lock, ok := a.strategy.ModeLock(); ok {
		mode = lock.Mode
	}
	var hf uint64
	if snap.Loan != nil && snap.Loan.Sign() > 0 && snap.HealthFactor != nil {
		hf = strategy.HealthFactorBps(snap.HealthFactor)
	}
	a.timescale.EnqueuePosition(timescale.PositionSnapshot{
		Time:            a.now(),
		Emergency:       a.strategy.EmergencyMode(),
		Mode:            mode,
		TotalAssets:     snap.TotalAssets(),
		IdleDeposit:     snap.IdleDeposit,
		Holdings:        snap.Holdings,
		Collateral:      snap.Collateral,
		Loan:            snap.Loan,
		HealthFactorBps: hf,
		ImbalanceBps:    strategy.ImbalanceBps(snap),
		PendingOrders:   len(pending),
	})
}
