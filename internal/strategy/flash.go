package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/solver"
	"dn-yield-strategy/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var errPayload = errors.New("malformed flash payload")

// flashContext lives only while one flash loan started by this strategy is open.
type flashContext struct {
	flow       *flow
	key        protocol.OrderKey
	token      common.Address
	amount     *big.Int
	premium    *big.Int
	shortDelta *big.Int
	failure    *Failure
}

// reserve is the deposit currency the pool will pull back when the loan closes.
func (f *flashContext) reserve(deposit common.Address) *big.Int {
	if f.token != deposit || f.amount.Sign() == 0 {
		return new(big.Int)
	}
	return new(big.Int).Add(f.amount, fixed.OrZero(f.premium))
}

func (f *flashContext) result() error {
	if f.failure != nil {
		return f.failure
	}
	return nil
}

type txParamsPayload struct {
	Kind     uint8  `msgpack:"kind"`
	Assets   string `msgpack:"assets,omitempty"`
	Shares   string `msgpack:"shares,omitempty"`
	Receiver string `msgpack:"receiver,omitempty"`
	Owner    string `msgpack:"owner,omitempty"`
}

// flashPayload is the data handed to the lending pool and returned in the callback.
type flashPayload struct {
	FlowID       string          `msgpack:"flow_id"`
	Key          string          `msgpack:"key,omitempty"`
	LongDelta    string          `msgpack:"long_delta"`
	TargetLoan   string          `msgpack:"target_loan"`
	NetFlow      string          `msgpack:"net_flow"`
	PriorLoan    string          `msgpack:"prior_loan"`
	ExecutionFee string          `msgpack:"execution_fee"`
	HDivQ        uint64          `msgpack:"hdivq"`
	Strategy     txParamsPayload `msgpack:"strategy"`
	Vault        txParamsPayload `msgpack:"vault"`
}

func newFlashPayload(fl *flow, cb state.CallbackData, key protocol.OrderKey, priorLoan, fee *big.Int, hq uint64) flashPayload {
	p := flashPayload{
		FlowID:       fl.id,
		LongDelta:    fixed.OrZero(cb.LongDelta).String(),
		TargetLoan:   fixed.OrZero(cb.TargetLoan).String(),
		NetFlow:      fixed.OrZero(cb.NetFlow).String(),
		PriorLoan:    fixed.OrZero(priorLoan).String(),
		ExecutionFee: fixed.OrZero(fee).String(),
		HDivQ:        hq,
		Strategy:     encodeTxParams(fl.tx.Strategy),
		Vault:        encodeTxParams(fl.tx.Vault),
	}
	if !key.IsZero() {
		p.Key = key.String()
	}
	return p
}

func encodeTxParams(p protocol.TxParams) txParamsPayload {
	out := txParamsPayload{Kind: uint8(p.Kind)}
	if p.Assets != nil {
		out.Assets = p.Assets.String()
	}
	if p.Shares != nil {
		out.Shares = p.Shares.String()
	}
	if p.Receiver != (common.Address{}) {
		out.Receiver = p.Receiver.Hex()
	}
	if p.Owner != (common.Address{}) {
		out.Owner = p.Owner.Hex()
	}
	return out
}

func (p flashPayload) encode() ([]byte, error) {
	return msgpack.Marshal(&p)
}

func decodeFlashPayload(data []byte) (flashPayload, error) {
	var p flashPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return flashPayload{}, fmt.Errorf("%w: %v", errPayload, err)
	}
	if p.FlowID == "" {
		return flashPayload{}, fmt.Errorf("%w: missing flow id", errPayload)
	}
	return p, nil
}

func (p flashPayload) callback() (state.CallbackData, error) {
	longDelta, ok := new(big.Int).SetString(p.LongDelta, 10)
	if !ok {
		return state.CallbackData{}, fmt.Errorf("%w: long delta %q", errPayload, p.LongDelta)
	}
	targetLoan, ok := new(big.Int).SetString(p.TargetLoan, 10)
	if !ok || targetLoan.Sign() < 0 {
		return state.CallbackData{}, fmt.Errorf("%w: target loan %q", errPayload, p.TargetLoan)
	}
	netFlow, ok := new(big.Int).SetString(p.NetFlow, 10)
	if !ok {
		return state.CallbackData{}, fmt.Errorf("%w: net flow %q", errPayload, p.NetFlow)
	}
	return state.CallbackData{LongDelta: longDelta, TargetLoan: targetLoan, NetFlow: netFlow}, nil
}

// runFlash moves the loan to cb.TargetLoan through a flash loan and runs the
// continuation inside the callback. A continuation failure comes back as a
// *Failure after the loan has been repaid.
func (s *Strategy) runFlash(ctx context.Context, fl *flow, cb state.CallbackData, key protocol.OrderKey) error {
	loan, err := s.reader.CurrentLoanBalance(ctx)
	if err != nil {
		return err
	}
	rate, err := s.reader.OracleRate(ctx)
	if err != nil {
		return err
	}
	threshold, err := s.reader.LiquidationThresholdBps(ctx)
	if err != nil {
		return err
	}
	hq, err := solver.HDivQ(s.params.HealthTargetBps, threshold)
	if err != nil {
		return err
	}
	target := fixed.OrZero(cb.TargetLoan)
	fctx := &flashContext{
		flow:       fl,
		key:        key,
		premium:    new(big.Int),
		shortDelta: new(big.Int).Sub(target, loan),
	}
	switch target.Cmp(loan) {
	case 1:
		fctx.token = s.params.Secondary
		fctx.amount = new(big.Int).Sub(target, loan)
	case -1:
		cost, err := fixed.MulDiv(new(big.Int).Sub(loan, target), fixed.AddBps(rate, uint64(s.params.SwapFeeTier)/100), fixed.Precision)
		if err != nil {
			return fmt.Errorf("flash sizing: %w", err)
		}
		fctx.token = s.params.Deposit
		fctx.amount = fixed.AddBps(cost, s.params.SlippageBps)
	default:
		fctx.token = s.params.Deposit
		fctx.amount = new(big.Int)
	}
	payload := newFlashPayload(fl, cb, key, loan, s.params.ExecutionFee, hq)
	data, err := payload.encode()
	if err != nil {
		return fmt.Errorf("encode flash payload: %w", err)
	}
	if _, err := fl.sm.Apply(EventFlashStarted); err != nil {
		return err
	}
	if !s.flash.CompareAndSwap(nil, fctx) {
		return fail(ReasonFlashFailed, fmt.Errorf("flash loan already active: %w", ErrInProgress))
	}
	defer s.flash.Store(nil)

	if fctx.amount.Sign() == 0 {
		if err := s.executeFlash(ctx, fctx, payload); err != nil {
			return fail(ReasonFlashFailed, err)
		}
		return fctx.result()
	}

	s.meta.FlashAmount = new(big.Int).Set(fctx.amount)
	s.meta.FlashToken = fctx.token
	if err := s.saveMeta(ctx); err != nil {
		s.log.Warn("persist flash amount failed", zap.Error(err))
	}
	s.metrics.FlashLoans.Inc()
	s.log.Info("flash loan requested",
		zap.String("flow_id", fl.id),
		zap.String("token", fctx.token.Hex()),
		zap.String("amount", fctx.amount.String()),
		zap.String("short_delta", fctx.shortDelta.String()),
	)
	err = s.pool.FlashLoanSimple(ctx, s, s.params.Self, fctx.token, fctx.amount, data)
	s.meta.FlashAmount = nil
	s.meta.FlashToken = common.Address{}
	if saveErr := s.saveMeta(ctx); saveErr != nil {
		s.log.Warn("clear flash amount failed", zap.Error(saveErr))
	}
	if err != nil {
		s.metrics.FlashFailed.Inc()
		return fail(ReasonFlashFailed, fmt.Errorf("flash loan: %w", err))
	}
	return fctx.result()
}

// OnFlashLoanReceived is invoked by the lending pool while a flash loan started
// by runFlash is open.
func (s *Strategy) OnFlashLoanReceived(ctx context.Context, caller, token common.Address, amount, premium *big.Int, initiator common.Address, data []byte) (bool, error) {
	if caller != s.registry.Address(LendingPool) {
		return false, fmt.Errorf("flash callback from %s: %w", caller.Hex(), ErrUnauthorized)
	}
	if initiator != s.params.Self {
		return false, fmt.Errorf("flash initiated by %s: %w", initiator.Hex(), ErrUnauthorized)
	}
	fctx := s.flash.Load()
	if fctx == nil || fctx.token != token || amount == nil || fctx.amount.Cmp(amount) != 0 {
		return false, fmt.Errorf("no matching flash loan in progress: %w", ErrUnauthorized)
	}
	payload, err := decodeFlashPayload(data)
	if err != nil {
		return false, err
	}
	if payload.FlowID != fctx.flow.id {
		return false, fmt.Errorf("payload for flow %s during %s: %w", payload.FlowID, fctx.flow.id, ErrUnauthorized)
	}
	fctx.premium = fixed.OrZero(premium)
	if err := s.executeFlash(ctx, fctx, payload); err != nil {
		return false, err
	}
	return true, nil
}

// executeFlash trues up the loan and collateral, then runs the continuation.
func (s *Strategy) executeFlash(ctx context.Context, fctx *flashContext, payload flashPayload) error {
	cb, err := payload.callback()
	if err != nil {
		return err
	}
	reserve := fctx.reserve(s.params.Deposit)
	switch {
	case fctx.amount.Sign() == 0:
	case fctx.token == s.params.Secondary:
		swapIn := new(big.Int).Sub(fctx.amount, fctx.premium)
		if swapIn.Sign() < 0 {
			return fmt.Errorf("flash premium %s exceeds amount %s", fctx.premium, fctx.amount)
		}
		if _, err := s.swap(ctx, s.params.Secondary, s.params.Deposit, swapIn); err != nil {
			return err
		}
	case fctx.token == s.params.Deposit:
		received, err := s.swap(ctx, s.params.Deposit, s.params.Secondary, fctx.amount)
		if err != nil {
			return err
		}
		loan, err := s.reader.CurrentLoanBalance(ctx)
		if err != nil {
			return err
		}
		repaid := new(big.Int)
		excess := fixed.Max0(new(big.Int).Sub(loan, cb.TargetLoan))
		if repay := fixed.Min(received, excess); repay.Sign() > 0 {
			repaid, err = s.pool.Repay(ctx, s.params.Secondary, repay, s.params.Self)
			if err != nil {
				return fmt.Errorf("repay loan: %w", err)
			}
		}
		if leftover := new(big.Int).Sub(received, repaid); leftover.Sign() > 0 {
			if _, err := s.swap(ctx, s.params.Secondary, s.params.Deposit, leftover); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("flash loan in unexpected token %s", fctx.token.Hex())
	}

	rate, err := s.reader.OracleRate(ctx)
	if err != nil {
		return err
	}
	collateral := solver.TargetCollateral(payload.HDivQ, cb.TargetLoan, rate)
	if err := s.setCollateral(ctx, collateral, reserve); err != nil {
		return err
	}
	if fctx.token == s.params.Secondary && fctx.amount.Sign() > 0 {
		if err := s.pool.Borrow(ctx, s.params.Secondary, fctx.amount, s.params.Self); err != nil {
			return fmt.Errorf("borrow: %w", err)
		}
	}

	if err := s.continueFlow(ctx, fctx, cb, reserve); err != nil {
		reason := ReasonOrderFailed
		if cb.LongDelta.Sign() <= 0 {
			reason = ReasonSettlementFailed
		}
		fctx.failure = fail(reason, err)
		s.log.Warn("flash continuation failed",
			zap.String("flow_id", fctx.flow.id),
			zap.String("reason", string(fctx.failure.Reason)),
			zap.Error(err),
		)
	}
	return nil
}

// continueFlow picks the next step by the sign of the long delta.
func (s *Strategy) continueFlow(ctx context.Context, fctx *flashContext, cb state.CallbackData, reserve *big.Int) error {
	fl := fctx.flow
	switch cb.LongDelta.Sign() {
	case 1:
		return s.submitDeposit(ctx, fl, cb, reserve)
	case -1:
		return s.settle(ctx, fl, fctx.key, reserve)
	default:
		key, err := s.nextLocalKey(ctx)
		if err != nil {
			return err
		}
		if err := s.savePending(ctx, fl, key, cb); err != nil {
			return err
		}
		defer func() {
			if err := state.DeletePending(ctx, s.store, key); err != nil {
				s.log.Warn("delete local pending failed", zap.String("order_key", key.String()), zap.Error(err))
			}
		}()
		return s.depositHelper(ctx, fl, key, reserve)
	}
}
