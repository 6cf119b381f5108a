package strategy

import (
	"context"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/market"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/solver"
	"dn-yield-strategy/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// allocate solves for the target allocation of fl and starts executing it:
// a withdrawal order when the long leg shrinks, a flash loan otherwise.
func (s *Strategy) allocate(ctx context.Context, fl *flow) error {
	if _, err := fl.sm.Apply(EventAllocate); err != nil {
		return err
	}
	snap, err := s.reader.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	alloc, err := s.solve(snap, fl)
	if err != nil {
		return fmt.Errorf("solve: %w", err)
	}
	cb := state.CallbackData{
		LongDelta:  new(big.Int).Sub(alloc.TargetLong, snap.Holdings),
		TargetLoan: alloc.TargetLoan,
		NetFlow:    new(big.Int).Set(fl.netFlow),
	}
	s.log.Info("allocation computed",
		zap.String("flow_id", fl.id),
		zap.Stringer("kind", fl.kind()),
		zap.Stringer("net_flow", s.depositAmount(fl.netFlow)),
		zap.Stringer("holdings", s.marketAmount(snap.Holdings)),
		zap.Stringer("target_long", s.marketAmount(alloc.TargetLong)),
		zap.Stringer("loan", s.secondaryAmount(snap.Loan)),
		zap.Stringer("target_loan", s.secondaryAmount(alloc.TargetLoan)),
		zap.Stringer("branch", alloc.Branch),
		zap.Bool("clamped", alloc.Clamped),
	)
	s.recordAllocation(ctx, fl, snap, alloc)

	if cb.LongDelta.Sign() < 0 {
		return s.submitWithdrawal(ctx, fl, snap, cb)
	}
	return s.runFlash(ctx, fl, cb, protocol.OrderKey{})
}

func (s *Strategy) solve(snap market.Snapshot, fl *flow) (solver.Allocation, error) {
	if fl.forceUnwind {
		return solver.Allocation{TargetLong: new(big.Int), TargetLoan: new(big.Int), Branch: solver.BranchWithdrawal}, nil
	}
	in, err := snap.SolverInputs(fl.netFlow, s.params.HealthTargetBps)
	if err != nil {
		return solver.Allocation{}, err
	}
	return solver.Solve(in)
}

func (s *Strategy) recordAllocation(ctx context.Context, fl *flow, snap market.Snapshot, alloc solver.Allocation) {
	if s.recorder == nil {
		return
	}
	rec := AllocationRecord{
		FlowID:       fl.id,
		Kind:         fl.kind(),
		NetFlow:      fl.netFlow,
		Holdings:     snap.Holdings,
		Loan:         snap.Loan,
		Collateral:   snap.Collateral,
		TargetLong:   alloc.TargetLong,
		TargetLoan:   alloc.TargetLoan,
		HealthFactor: snap.HealthFactor,
		Branch:       alloc.Branch.String(),
		Clamped:      alloc.Clamped,
		At:           s.now(),
	}
	if err := s.recorder.RecordAllocation(ctx, rec); err != nil {
		s.log.Warn("allocation record failed", zap.String("flow_id", fl.id), zap.Error(err))
	}
}

// submitWithdrawal asks the venue to burn market tokens. The flow resumes in
// OnWithdrawalFulfilled.
func (s *Strategy) submitWithdrawal(ctx context.Context, fl *flow, snap market.Snapshot, cb state.CallbackData) error {
	slippage := s.params.SlippageBps
	amount := fixed.Min(snap.Holdings, fixed.AddBps(fixed.Abs(cb.LongDelta), slippage))
	minDeposit := fixed.SubBps(mulPrecision(amount, snap.Sell.Deposit), slippage)
	minSecondary := fixed.SubBps(mulPrecision(amount, snap.Sell.Secondary), slippage)
	minLong, minShort := s.bySide(minSecondary, minDeposit)

	vault := s.registry.Address(WithdrawalVault)
	if err := s.venue.TransferTokensToVault(ctx, s.params.Self, s.params.Market, vault, amount); err != nil {
		return fmt.Errorf("send market tokens: %w", err)
	}
	if err := s.payExecutionFee(ctx, vault); err != nil {
		return err
	}
	order := protocol.WithdrawalOrder{
		Receiver:          s.params.Self,
		Market:            s.params.Market,
		MarketTokenAmount: amount,
		MinLongAmount:     minLong,
		MinShortAmount:    minShort,
		ExecutionFee:      new(big.Int).Set(s.params.ExecutionFee),
	}
	hash, err := s.submitter.SubmitWithdrawal(ctx, withdrawalIdempotencyKey(fl.id), s.params.Self, order)
	if err != nil {
		return fmt.Errorf("withdrawal order: %w", err)
	}
	key := protocol.VenueKey(hash)
	if _, err := fl.sm.Apply(EventWithdrawSubmitted); err != nil {
		return err
	}
	if err := s.savePending(ctx, fl, key, cb); err != nil {
		return err
	}
	s.metrics.WithdrawalOrders.Inc()
	s.log.Info("withdrawal order submitted",
		zap.String("flow_id", fl.id),
		zap.String("order_key", key.String()),
		zap.Stringer("market_tokens", s.marketAmount(amount)),
		zap.Stringer("min_deposit", s.depositAmount(minDeposit)),
		zap.Stringer("min_secondary", s.secondaryAmount(minSecondary)),
	)
	return nil
}

// submitDeposit sends idle deposit currency to the venue for the positive
// long delta. reserve is held back for an open flash loan.
func (s *Strategy) submitDeposit(ctx context.Context, fl *flow, cb state.CallbackData, reserve *big.Int) error {
	buyValue, err := s.reader.LongBuyRate(ctx)
	if err != nil {
		return err
	}
	want := mulPrecision(cb.LongDelta, buyValue)
	idle, err := s.spendable(ctx, reserve)
	if err != nil {
		return err
	}
	amount := fixed.Min(idle, want)
	if amount.Sign() == 0 {
		return &Failure{Reason: ReasonInsufficientLiquidity, Err: fmt.Errorf("no idle %s for deposit order", s.params.Deposit.Hex())}
	}
	minOut := fixed.SubBps(cb.LongDelta, s.params.SlippageBps)
	if amount.Cmp(want) < 0 {
		scaled := new(big.Int).Mul(amount, fixed.Precision)
		minOut = fixed.SubBps(scaled.Div(scaled, buyValue), s.params.SlippageBps)
	}

	vault := s.registry.Address(DepositVault)
	if err := s.venue.TransferTokensToVault(ctx, s.params.Self, s.params.Deposit, vault, amount); err != nil {
		return fmt.Errorf("send deposit tokens: %w", err)
	}
	if err := s.payExecutionFee(ctx, vault); err != nil {
		return err
	}
	longAmount, shortAmount := s.bySide(new(big.Int), amount)
	order := protocol.DepositOrder{
		Receiver:        s.params.Self,
		Market:          s.params.Market,
		InitialLong:     s.info.LongToken,
		InitialShort:    s.info.ShortToken,
		LongAmount:      longAmount,
		ShortAmount:     shortAmount,
		MinMarketTokens: minOut,
		ExecutionFee:    new(big.Int).Set(s.params.ExecutionFee),
	}
	hash, err := s.submitter.SubmitDeposit(ctx, depositIdempotencyKey(fl.id), s.params.Self, order)
	if err != nil {
		return fmt.Errorf("deposit order: %w", err)
	}
	key := protocol.VenueKey(hash)
	if _, err := fl.sm.Apply(EventDepositSubmitted); err != nil {
		return err
	}
	if err := s.savePending(ctx, fl, key, cb); err != nil {
		return err
	}
	s.metrics.DepositOrders.Inc()
	s.log.Info("deposit order submitted",
		zap.String("flow_id", fl.id),
		zap.String("order_key", key.String()),
		zap.Stringer("amount", s.depositAmount(amount)),
		zap.Stringer("min_market_tokens", s.marketAmount(minOut)),
	)
	return nil
}

func (s *Strategy) savePending(ctx context.Context, fl *flow, key protocol.OrderKey, cb state.CallbackData) error {
	op := state.PendingOperation{
		Key:          key,
		State:        string(fl.sm.Current()),
		Callback:     cb,
		Tx:           fl.tx,
		ExecutionFee: new(big.Int).Set(s.params.ExecutionFee),
		FlowID:       fl.id,
		CreatedAtMS:  s.now().UnixMilli(),
	}
	if err := state.SavePending(ctx, s.store, op); err != nil {
		return fmt.Errorf("persist pending %s: %w", key, err)
	}
	return nil
}

func (s *Strategy) payExecutionFee(ctx context.Context, vault common.Address) error {
	if s.params.ExecutionFee.Sign() == 0 {
		return nil
	}
	if err := s.venue.PayExecutionFee(ctx, s.params.Self, vault, s.params.ExecutionFee); err != nil {
		return fmt.Errorf("execution fee: %w", err)
	}
	return nil
}

// bySide orders a (secondary, deposit) pair as the market's (long, short).
func (s *Strategy) bySide(secondaryAmount, depositAmount *big.Int) (*big.Int, *big.Int) {
	if s.info.LongToken == s.params.Secondary {
		return secondaryAmount, depositAmount
	}
	return depositAmount, secondaryAmount
}

// spendable is the idle deposit balance less reserve.
func (s *Strategy) spendable(ctx context.Context, reserve *big.Int) (*big.Int, error) {
	idle, err := s.reader.IdleBalance(ctx, s.params.Deposit)
	if err != nil {
		return nil, err
	}
	return fixed.Max0(new(big.Int).Sub(idle, fixed.OrZero(reserve))), nil
}

// swap trades amountIn at the oracle rate less the pool fee, accepting up to
// the configured slippage.
func (s *Strategy) swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() == 0 {
		return new(big.Int), nil
	}
	rate, err := s.reader.OracleRate(ctx)
	if err != nil {
		return nil, fail(ReasonSwapFailed, err)
	}
	var expected *big.Int
	if tokenIn == s.params.Secondary {
		expected, err = fixed.MulDiv(amountIn, rate, fixed.Precision)
	} else {
		expected, err = fixed.MulDiv(amountIn, fixed.Precision, rate)
	}
	if err != nil {
		return nil, fail(ReasonSwapFailed, fmt.Errorf("quote: %w", err))
	}
	expected = fixed.SubBps(expected, uint64(s.params.SwapFeeTier)/100)
	params := protocol.SwapParams{
		TokenIn:          tokenIn,
		TokenOut:         tokenOut,
		Fee:              s.params.SwapFeeTier,
		Recipient:        s.params.Self,
		AmountIn:         new(big.Int).Set(amountIn),
		AmountOutMinimum: fixed.SubBps(expected, s.params.SlippageBps),
		Deadline:         s.now().Add(s.params.SwapDeadline).Unix(),
	}
	out, err := s.router.SwapExactInputSingle(ctx, s.params.Self, params)
	if err != nil {
		return nil, fail(ReasonSwapFailed, fmt.Errorf("swap %s->%s: %w", tokenIn.Hex(), tokenOut.Hex(), err))
	}
	return out, nil
}

// setCollateral supplies or withdraws deposit currency so the lending
// position holds target. Supply is capped by the spendable balance.
func (s *Strategy) setCollateral(ctx context.Context, target, reserve *big.Int) error {
	current, err := s.reader.CurrentCollateral(ctx)
	if err != nil {
		return err
	}
	switch target.Cmp(current) {
	case 1:
		avail, err := s.spendable(ctx, reserve)
		if err != nil {
			return err
		}
		amount := fixed.Min(new(big.Int).Sub(target, current), avail)
		if amount.Sign() == 0 {
			return nil
		}
		if err := s.pool.Supply(ctx, s.params.Deposit, amount, s.params.Self); err != nil {
			return fmt.Errorf("supply collateral: %w", err)
		}
	case -1:
		amount := new(big.Int).Sub(current, target)
		if _, err := s.pool.Withdraw(ctx, s.params.Deposit, amount, s.params.Self); err != nil {
			return fmt.Errorf("withdraw collateral: %w", err)
		}
	}
	return nil
}

func mulPrecision(amount, rate *big.Int) *big.Int {
	out := new(big.Int).Mul(fixed.OrZero(amount), fixed.OrZero(rate))
	return out.Div(out, fixed.Precision)
}

func depositIdempotencyKey(flowID string) string {
	return flowID + ":deposit"
}

func withdrawalIdempotencyKey(flowID string) string {
	return flowID + ":withdrawal"
}
