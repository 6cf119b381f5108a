package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var _ protocol.VenueCallbacks = (*Strategy)(nil)
var _ protocol.FlashLoanReceiver = (*Strategy)(nil)

// OnDepositFulfilled finishes the flow that submitted the deposit order.
func (s *Strategy) OnDepositFulfilled(ctx context.Context, caller common.Address, hash common.Hash, result protocol.DepositResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := protocol.VenueKey(hash)
	_, fl, err := s.pendingFlow(ctx, caller, key)
	if err != nil {
		return err
	}
	defer s.finishPending(ctx, fl, key)
	s.log.Info("deposit order fulfilled",
		zap.String("flow_id", fl.id),
		zap.String("order_key", key.String()),
		zap.Stringer("market_tokens", s.marketAmount(result.MarketTokens)),
	)
	if err := s.depositHelper(ctx, fl, key, nil); err != nil {
		s.handleFailure(ctx, fl, key, fail(ReasonSettlementFailed, err))
	}
	return nil
}

// OnDepositCancelled fails the flow. The venue has already refunded the order.
func (s *Strategy) OnDepositCancelled(ctx context.Context, caller common.Address, hash common.Hash, reason string) error {
	return s.cancelled(ctx, caller, protocol.VenueKey(hash), "deposit", reason)
}

// OnWithdrawalFulfilled converts the withdrawn secondary and resumes the flow
// with the flash-loan phase.
func (s *Strategy) OnWithdrawalFulfilled(ctx context.Context, caller common.Address, hash common.Hash, result protocol.WithdrawalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := protocol.VenueKey(hash)
	op, fl, err := s.pendingFlow(ctx, caller, key)
	if err != nil {
		return err
	}
	defer s.finishPending(ctx, fl, key)
	s.log.Info("withdrawal order fulfilled",
		zap.String("flow_id", fl.id),
		zap.String("order_key", key.String()),
		zap.Stringer("deposit", s.depositAmount(result.AmountOf(s.params.Deposit))),
		zap.Stringer("secondary", s.secondaryAmount(result.AmountOf(s.params.Secondary))),
	)
	if err := s.withdrawalHelper(ctx, fl, op, result); err != nil {
		s.handleFailure(ctx, fl, key, fail(ReasonSettlementFailed, err))
	}
	return nil
}

// OnWithdrawalCancelled fails the flow. The venue has already returned the market tokens.
func (s *Strategy) OnWithdrawalCancelled(ctx context.Context, caller common.Address, hash common.Hash, reason string) error {
	return s.cancelled(ctx, caller, protocol.VenueKey(hash), "withdrawal", reason)
}

func (s *Strategy) cancelled(ctx context.Context, caller common.Address, key protocol.OrderKey, order, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, fl, err := s.pendingFlow(ctx, caller, key)
	if err != nil {
		return err
	}
	defer s.finishPending(ctx, fl, key)
	s.metrics.Cancellations.Inc()
	s.handleFailure(ctx, fl, key, &Failure{
		Reason: ReasonCancelled,
		Err:    fmt.Errorf("%s order cancelled: %s", order, reason),
	})
	return nil
}

// pendingFlow authenticates a venue callback and rebuilds the flow it belongs to.
func (s *Strategy) pendingFlow(ctx context.Context, caller common.Address, key protocol.OrderKey) (state.PendingOperation, *flow, error) {
	if caller != s.registry.Address(VenueController) {
		return state.PendingOperation{}, nil, fmt.Errorf("venue callback from %s: %w", caller.Hex(), ErrUnauthorized)
	}
	op, ok, err := state.LoadPending(ctx, s.store, key)
	if err != nil {
		return state.PendingOperation{}, nil, fmt.Errorf("load pending %s: %w", key, err)
	}
	if !ok {
		return state.PendingOperation{}, nil, fmt.Errorf("%s: %w", key, ErrUnknownOrder)
	}
	fl := &flow{
		id:          op.FlowID,
		tx:          op.Tx,
		netFlow:     fixed.OrZero(op.Callback.NetFlow),
		sm:          RestoreStateMachine(State(op.State)),
		forceUnwind: op.Tx.Strategy.Kind == protocol.TxEmergencyEnter,
	}
	return op, fl, nil
}

// finishPending drops the pending record and the submitter's idempotency
// entries of fl. It runs on every callback path.
func (s *Strategy) finishPending(ctx context.Context, fl *flow, key protocol.OrderKey) {
	if err := state.DeletePending(ctx, s.store, key); err != nil {
		s.log.Warn("delete pending failed", zap.String("order_key", key.String()), zap.Error(err))
	}
	for _, idem := range []string{depositIdempotencyKey(fl.id), withdrawalIdempotencyKey(fl.id)} {
		if err := s.submitter.Forget(ctx, idem); err != nil {
			s.log.Warn("forget order failed", zap.String("key", idem), zap.Error(err))
		}
	}
}

func (s *Strategy) depositHelper(ctx context.Context, fl *flow, key protocol.OrderKey, reserve *big.Int) error {
	return s.settle(ctx, fl, key, reserve)
}

func (s *Strategy) withdrawalHelper(ctx context.Context, fl *flow, op state.PendingOperation, result protocol.WithdrawalResult) error {
	if received := result.AmountOf(s.params.Secondary); received.Sign() > 0 {
		if _, err := s.swap(ctx, s.params.Secondary, s.params.Deposit, received); err != nil {
			return err
		}
	}
	return s.runFlash(ctx, fl, op.Callback, op.Key)
}

// settle completes fl according to its kind. reserve is deposit currency
// owed to an open flash loan and is never paid out.
func (s *Strategy) settle(ctx context.Context, fl *flow, key protocol.OrderKey, reserve *big.Int) error {
	if _, err := fl.sm.Apply(EventSettle); err != nil {
		return err
	}
	assets := fixed.OrZero(fl.tx.Strategy.Assets)
	switch fl.kind() {
	case protocol.TxDeposit:
		if err := s.vault.AfterDeposit(ctx, fl.tx.Vault, true); err != nil {
			return fmt.Errorf("vault after deposit: %w", err)
		}
		fl.vaultNotified = true
	case protocol.TxWithdraw:
		avail, err := s.spendable(ctx, reserve)
		if err != nil {
			return err
		}
		if avail.Cmp(assets) < 0 {
			return &Failure{
				Reason: ReasonInsufficientLiquidity,
				Err:    fmt.Errorf("need %s, have %s", s.depositAmount(assets), s.depositAmount(avail)),
			}
		}
		if err := s.tokens.Transfer(ctx, s.params.Deposit, s.params.Self, fl.tx.Strategy.Receiver, assets); err != nil {
			return fmt.Errorf("pay receiver: %w", err)
		}
		if err := s.vault.AfterWithdraw(ctx, fl.tx.Vault, assets, true); err != nil {
			return fmt.Errorf("vault after withdraw: %w", err)
		}
		fl.vaultNotified = true
	case protocol.TxRedeem:
		avail, err := s.spendable(ctx, reserve)
		if err != nil {
			return err
		}
		paid := fixed.Min(assets, avail)
		if paid.Sign() == 0 {
			return &Failure{Reason: ReasonInsufficientLiquidity, Err: errors.New("nothing to pay for redeem")}
		}
		if err := s.tokens.Transfer(ctx, s.params.Deposit, s.params.Self, fl.tx.Strategy.Receiver, paid); err != nil {
			return fmt.Errorf("pay receiver: %w", err)
		}
		if err := s.vault.AfterRedeem(ctx, fl.tx.Vault, paid, true); err != nil {
			return fmt.Errorf("vault after redeem: %w", err)
		}
		fl.vaultNotified = true
		assets = paid
	case protocol.TxHarvest:
		if err := s.payFee(ctx, assets, reserve); err != nil {
			return err
		}
		if err := s.recordHarvest(ctx, reserve); err != nil {
			return err
		}
	case protocol.TxRebalance:
	case protocol.TxEmergencyEnter, protocol.TxEmergencyExit:
		s.meta.Emergency = fl.kind() == protocol.TxEmergencyEnter
		if err := s.saveMeta(ctx); err != nil {
			return fmt.Errorf("persist emergency flag: %w", err)
		}
	default:
		return fmt.Errorf("settle unknown kind %d", fl.kind())
	}

	s.releaseMode(ctx, fl.id)
	if _, err := fl.sm.Apply(EventDone); err != nil {
		return err
	}
	fl.finished = true
	s.metrics.Settlements.Inc()
	s.log.Info("flow settled",
		zap.String("flow_id", fl.id),
		zap.Stringer("kind", fl.kind()),
		zap.String("order_key", key.String()),
		zap.Stringer("assets", s.depositAmount(assets)),
	)
	s.emit(ctx, Outcome{
		Kind:     OutcomeCompleted,
		FlowID:   fl.id,
		TxKind:   fl.kind(),
		OrderKey: key,
		Assets:   new(big.Int).Set(assets),
	})
	return nil
}

// settleDirect completes a flow without touching the position.
func (s *Strategy) settleDirect(ctx context.Context, fl *flow) {
	if _, err := fl.sm.Apply(EventAllocate); err != nil {
		s.handleFailure(ctx, fl, protocol.OrderKey{}, fail(ReasonSettlementFailed, err))
		return
	}
	if err := s.settle(ctx, fl, protocol.OrderKey{}, nil); err != nil {
		s.handleFailure(ctx, fl, protocol.OrderKey{}, fail(ReasonSettlementFailed, err))
	}
}

// handleFailure resets fl, releases its mode lock and tells the vault, once.
func (s *Strategy) handleFailure(ctx context.Context, fl *flow, key protocol.OrderKey, failure *Failure) {
	if fl.finished {
		return
	}
	fl.finished = true
	_, _ = fl.sm.Apply(EventFail)
	s.releaseMode(ctx, fl.id)
	if fl.kind().IsUserFlow() && !fl.vaultNotified {
		s.notifyVault(ctx, fl, false)
	}
	s.metrics.SettlementFailures.Inc()
	s.log.Warn("flow failed",
		zap.String("flow_id", fl.id),
		zap.Stringer("kind", fl.kind()),
		zap.String("order_key", key.String()),
		zap.String("reason", string(failure.Reason)),
		zap.Error(failure.Err),
	)
	s.emit(ctx, Outcome{
		Kind:     OutcomeFailed,
		FlowID:   fl.id,
		TxKind:   fl.kind(),
		OrderKey: key,
		Assets:   fixed.OrZero(fl.tx.Strategy.Assets),
		Reason:   failure.Reason,
		Err:      failure.Err,
	})
}

func (s *Strategy) notifyVault(ctx context.Context, fl *flow, success bool) {
	assets := fixed.OrZero(fl.tx.Strategy.Assets)
	var err error
	switch fl.kind() {
	case protocol.TxDeposit:
		err = s.vault.AfterDeposit(ctx, fl.tx.Vault, success)
	case protocol.TxWithdraw:
		err = s.vault.AfterWithdraw(ctx, fl.tx.Vault, assets, success)
	case protocol.TxRedeem:
		err = s.vault.AfterRedeem(ctx, fl.tx.Vault, assets, success)
	default:
		return
	}
	if err != nil {
		s.log.Error("vault notification failed",
			zap.String("flow_id", fl.id),
			zap.Stringer("kind", fl.kind()),
			zap.Bool("success", success),
			zap.Error(err),
		)
		return
	}
	fl.vaultNotified = true
}

// payFee sends the performance fee to the treasury.
func (s *Strategy) payFee(ctx context.Context, fee, reserve *big.Int) error {
	if fee.Sign() == 0 {
		return nil
	}
	avail, err := s.spendable(ctx, reserve)
	if err != nil {
		return err
	}
	if avail.Cmp(fee) < 0 {
		return &Failure{
			Reason: ReasonInsufficientLiquidity,
			Err:    fmt.Errorf("fee %s exceeds idle %s", s.depositAmount(fee), s.depositAmount(avail)),
		}
	}
	treasury := s.registry.Address(Treasury)
	if err := s.tokens.Transfer(ctx, s.params.Deposit, s.params.Self, treasury, fee); err != nil {
		return fmt.Errorf("pay treasury: %w", err)
	}
	s.log.Info("performance fee paid",
		zap.String("treasury", treasury.Hex()),
		zap.Stringer("fee", s.depositAmount(fee)),
	)
	return nil
}

// recordHarvest snapshots the share price (1e18) harvests are measured against.
func (s *Strategy) recordHarvest(ctx context.Context, reserve *big.Int) error {
	total, err := s.reader.TotalAssets(ctx)
	if err != nil {
		return err
	}
	total = fixed.Max0(total.Sub(total, fixed.OrZero(reserve)))
	supply, err := s.vault.TotalShares(ctx)
	if err != nil {
		return fmt.Errorf("vault supply: %w", err)
	}
	price := new(big.Int)
	if supply.Sign() > 0 {
		if price, err = fixed.MulDiv(total, fixed.Wad(), supply); err != nil {
			return fmt.Errorf("share price: %w", err)
		}
	}
	s.meta.LastHarvestMS = s.now().UnixMilli()
	s.meta.LastHarvestPrice = price
	s.meta.LastHarvestSupply = new(big.Int).Set(supply)
	if err := s.saveMeta(ctx); err != nil {
		return fmt.Errorf("persist harvest: %w", err)
	}
	return nil
}
