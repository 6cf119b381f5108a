package strategy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"dn-yield-strategy/internal/exec"
	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/market"
	"dn-yield-strategy/internal/metrics"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSlippageBps       = 30
	defaultModeTimeout       = 5 * time.Minute
	defaultHarvestInterval   = 7 * 24 * time.Hour
	defaultPerformanceFeeBps = 2500
	defaultSwapDeadline      = 5 * time.Minute
)

// Params is the immutable configuration of one strategy instance.
type Params struct {
	Self          common.Address
	Market        common.Address
	Deposit       common.Address
	Secondary     common.Address
	WrappedNative common.Address

	DepositDecimals   uint8
	SecondaryDecimals uint8
	MarketDecimals    uint8

	// SwapFeeTier is the swap pool fee in hundredths of a bip (500 = 5 bps).
	SwapFeeTier uint32

	HealthLowBps    uint64
	HealthHighBps   uint64
	HealthTargetBps uint64
	ImbalanceBps    uint64
	SlippageBps     uint64

	ExecutionFee      *big.Int
	ModeTimeout       time.Duration
	HarvestInterval   time.Duration
	PerformanceFeeBps uint64
	SwapDeadline      time.Duration

	Vault  common.Address
	Keeper common.Address
	Admin  common.Address

	Contracts         map[ContractKey]common.Address
	CollateralIndices []uint16
}

func (p *Params) applyDefaults() {
	if p.SlippageBps == 0 {
		p.SlippageBps = defaultSlippageBps
	}
	if p.ModeTimeout == 0 {
		p.ModeTimeout = defaultModeTimeout
	}
	if p.HarvestInterval == 0 {
		p.HarvestInterval = defaultHarvestInterval
	}
	if p.PerformanceFeeBps == 0 {
		p.PerformanceFeeBps = defaultPerformanceFeeBps
	}
	if p.SwapDeadline == 0 {
		p.SwapDeadline = defaultSwapDeadline
	}
	if p.ExecutionFee == nil {
		p.ExecutionFee = new(big.Int)
	}
	if p.HealthTargetBps == 0 && p.HealthLowBps > 0 && p.HealthHighBps > 0 {
		p.HealthTargetBps = (p.HealthLowBps + p.HealthHighBps) / 2
	}
}

func (p Params) validate() error {
	for name, addr := range map[string]common.Address{
		"self":      p.Self,
		"market":    p.Market,
		"deposit":   p.Deposit,
		"secondary": p.Secondary,
		"vault":     p.Vault,
		"keeper":    p.Keeper,
		"admin":     p.Admin,
	} {
		if addr == (common.Address{}) {
			return fmt.Errorf("%s address required: %w", name, ErrInvalidConfig)
		}
	}
	if p.Deposit == p.Secondary {
		return fmt.Errorf("deposit and secondary must differ: %w", ErrInvalidConfig)
	}
	if p.HealthLowBps == 0 || p.HealthHighBps <= p.HealthLowBps {
		return fmt.Errorf("health thresholds %d/%d: %w", p.HealthLowBps, p.HealthHighBps, ErrInvalidConfig)
	}
	if p.HealthTargetBps < p.HealthLowBps || p.HealthTargetBps > p.HealthHighBps {
		return fmt.Errorf("target health %d outside [%d, %d]: %w", p.HealthTargetBps, p.HealthLowBps, p.HealthHighBps, ErrInvalidConfig)
	}
	if p.SlippageBps >= fixed.BPS || p.PerformanceFeeBps > fixed.BPS {
		return fmt.Errorf("slippage or performance fee out of range: %w", ErrInvalidConfig)
	}
	if p.ExecutionFee.Sign() > 0 && p.WrappedNative == (common.Address{}) {
		return fmt.Errorf("wrapped native required to pay execution fees: %w", ErrInvalidConfig)
	}
	return nil
}

// OrderSubmitter creates venue orders. exec.Submitter is the default.
type OrderSubmitter interface {
	SubmitDeposit(ctx context.Context, idempotencyKey string, from common.Address, order protocol.DepositOrder) (common.Hash, error)
	SubmitWithdrawal(ctx context.Context, idempotencyKey string, from common.Address, order protocol.WithdrawalOrder) (common.Hash, error)
	Forget(ctx context.Context, idempotencyKey string) error
}

// Notifier receives one Outcome per finished flow.
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome)
}

type NotifierFunc func(ctx context.Context, outcome Outcome)

func (f NotifierFunc) Notify(ctx context.Context, outcome Outcome) { f(ctx, outcome) }

// AllocationRecorder stores solver decisions for later analysis.
type AllocationRecorder interface {
	RecordAllocation(ctx context.Context, rec AllocationRecord) error
}

type AllocationRecord struct {
	FlowID       string
	Kind         protocol.TxKind
	NetFlow      *big.Int
	Holdings     *big.Int
	Loan         *big.Int
	Collateral   *big.Int
	TargetLong   *big.Int
	TargetLoan   *big.Int
	HealthFactor *big.Int
	Branch       string
	Clamped      bool
	At           time.Time
}

type Deps struct {
	Tokens    protocol.Tokens
	Venue     protocol.Venue
	Pool      protocol.LendingPool
	Router    protocol.SwapRouter
	Oracle    protocol.Oracle
	Vault     protocol.Vault
	Store     state.Store
	Submitter OrderSubmitter
	Metrics   *metrics.Metrics
	Notifier  Notifier
	Recorder  AllocationRecorder
	Log       *zap.Logger
	Clock     func() time.Time
}

// Strategy is the delta-neutral allocation engine. Top-level calls are
// serialised; the flash-loan callback re-enters through the active flash
// context instead of the mutex.
type Strategy struct {
	mu sync.Mutex

	params    Params
	info      protocol.MarketInfo
	reader    *market.Reader
	registry  *Registry
	tokens    protocol.Tokens
	venue     protocol.Venue
	pool      protocol.LendingPool
	router    protocol.SwapRouter
	vault     protocol.Vault
	store     state.Store
	submitter OrderSubmitter
	metrics   *metrics.Metrics
	notifier  Notifier
	recorder  AllocationRecorder
	log       *zap.Logger
	now       func() time.Time

	meta  state.Metadata
	flash atomic.Pointer[flashContext]
}

func New(ctx context.Context, params Params, deps Deps) (*Strategy, error) {
	params.applyDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}
	if deps.Tokens == nil || deps.Venue == nil || deps.Pool == nil || deps.Router == nil || deps.Oracle == nil || deps.Vault == nil {
		return nil, fmt.Errorf("missing collaborator: %w", ErrInvalidConfig)
	}
	registry, err := NewRegistry(params.Contracts)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if deps.Store == nil {
		deps.Store = state.NewMemoryStore()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Submitter == nil {
		submitter := exec.New(deps.Venue, deps.Store, deps.Log)
		submitter.SetMetrics(deps.Metrics)
		deps.Submitter = submitter
	}

	info, err := deps.Venue.MarketInfo(ctx, params.Market)
	if err != nil {
		return nil, fmt.Errorf("market info: %w", err)
	}
	if err := checkMarket(params, info); err != nil {
		return nil, err
	}

	if saved, ok, err := state.LoadRegistry(ctx, deps.Store); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	} else if ok {
		if err := registry.restore(saved); err != nil {
			return nil, fmt.Errorf("restore registry: %w", err)
		}
	}
	meta, _, err := state.LoadMetadata(ctx, deps.Store)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	reader := market.NewReader(market.Config{
		Self:              params.Self,
		Market:            params.Market,
		Deposit:           params.Deposit,
		Secondary:         params.Secondary,
		DepositDecimals:   params.DepositDecimals,
		SecondaryDecimals: params.SecondaryDecimals,
		MarketDecimals:    params.MarketDecimals,
		SwapFeeTier:       params.SwapFeeTier,
		CollateralIndices: params.CollateralIndices,
	}, deps.Tokens, deps.Venue, deps.Pool, deps.Oracle, deps.Log)

	return &Strategy{
		params:    params,
		info:      info,
		reader:    reader,
		registry:  registry,
		tokens:    deps.Tokens,
		venue:     deps.Venue,
		pool:      deps.Pool,
		router:    deps.Router,
		vault:     deps.Vault,
		store:     deps.Store,
		submitter: deps.Submitter,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		recorder:  deps.Recorder,
		log:       deps.Log,
		now:       deps.Clock,
		meta:      meta,
	}, nil
}

// checkMarket requires the venue market to be exactly the secondary/deposit pair.
func checkMarket(params Params, info protocol.MarketInfo) error {
	if info.MarketToken != (common.Address{}) && info.MarketToken != params.Market {
		return fmt.Errorf("market token %s, configured %s: %w", info.MarketToken.Hex(), params.Market.Hex(), ErrInvalidConfig)
	}
	pair := (info.LongToken == params.Secondary && info.ShortToken == params.Deposit) ||
		(info.LongToken == params.Deposit && info.ShortToken == params.Secondary)
	if !pair {
		return fmt.Errorf("market pair %s/%s does not match secondary/deposit: %w", info.LongToken.Hex(), info.ShortToken.Hex(), ErrInvalidConfig)
	}
	return nil
}

func (s *Strategy) Reader() *market.Reader {
	return s.reader
}

func (s *Strategy) Registry() *Registry {
	return s.registry
}

func (s *Strategy) Params() Params {
	return s.params
}

// flow is one allocation cycle, from request to settlement.
type flow struct {
	id            string
	tx            state.TxParamsWrapper
	netFlow       *big.Int
	sm            *StateMachine
	forceUnwind   bool
	vaultNotified bool
	finished      bool
}

func (f *flow) kind() protocol.TxKind {
	return f.tx.Strategy.Kind
}

func (s *Strategy) newFlow(kind protocol.TxKind, netFlow *big.Int) *flow {
	return &flow{
		id:      uuid.NewString(),
		tx:      state.TxParamsWrapper{Strategy: protocol.TxParams{Kind: kind}},
		netFlow: fixed.OrZero(netFlow),
		sm:      NewStateMachine(),
	}
}

func (s *Strategy) newUserFlow(ctx context.Context, kind protocol.TxKind, assets, netFlow *big.Int, receiver, owner common.Address) (*flow, error) {
	vaultParams, err := s.vault.PendingTxParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault pending params: %w", err)
	}
	fl := s.newFlow(kind, netFlow)
	fl.tx = state.TxParamsWrapper{
		Strategy: protocol.TxParams{
			Kind:     kind,
			Assets:   new(big.Int).Set(assets),
			Shares:   vaultParams.Shares,
			Receiver: receiver,
			Owner:    owner,
		},
		Vault: vaultParams,
	}
	return fl, nil
}

// Deposit allocates assets already transferred to the strategy by the vault.
// It returns the share amount the vault quoted for the request.
func (s *Strategy) Deposit(ctx context.Context, caller common.Address, assets *big.Int, receiver, owner common.Address) (*big.Int, error) {
	if caller != s.params.Vault {
		return nil, fmt.Errorf("deposit from %s: %w", caller.Hex(), ErrUnauthorized)
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := s.newUserFlow(ctx, protocol.TxDeposit, assets, assets, receiver, owner)
	if err != nil {
		return nil, err
	}
	s.log.Info("deposit requested",
		zap.String("flow_id", fl.id),
		zap.Stringer("assets", s.depositAmount(assets)),
		zap.String("receiver", receiver.Hex()),
	)
	if s.meta.Emergency {
		s.settleDirect(ctx, fl)
		return fixed.OrZero(fl.tx.Vault.Shares), nil
	}
	if err := s.run(ctx, fl); err != nil {
		return nil, err
	}
	return fixed.OrZero(fl.tx.Vault.Shares), nil
}

// Withdraw unwinds enough of the position to pay assets to receiver.
func (s *Strategy) Withdraw(ctx context.Context, caller common.Address, assets *big.Int, receiver, owner common.Address) (*big.Int, error) {
	if caller != s.params.Vault {
		return nil, fmt.Errorf("withdraw from %s: %w", caller.Hex(), ErrUnauthorized)
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := s.newUserFlow(ctx, protocol.TxWithdraw, assets, new(big.Int).Neg(assets), receiver, owner)
	if err != nil {
		return nil, err
	}
	s.log.Info("withdraw requested",
		zap.String("flow_id", fl.id),
		zap.Stringer("assets", s.depositAmount(assets)),
		zap.String("receiver", receiver.Hex()),
	)
	if s.meta.Emergency {
		s.settleDirect(ctx, fl)
		return fixed.OrZero(fl.tx.Vault.Shares), nil
	}
	if err := s.run(ctx, fl); err != nil {
		return nil, err
	}
	return fixed.OrZero(fl.tx.Vault.Shares), nil
}

// Redeem converts shares to assets at the current share price and unwinds
// that amount. It returns the asset amount requested.
func (s *Strategy) Redeem(ctx context.Context, caller common.Address, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	if caller != s.params.Vault {
		return nil, fmt.Errorf("redeem from %s: %w", caller.Hex(), ErrUnauthorized)
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total, err := s.reader.TotalAssets(ctx)
	if err != nil {
		return nil, err
	}
	supply, err := s.vault.TotalShares(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault supply: %w", err)
	}
	if supply.Sign() == 0 {
		return nil, fmt.Errorf("redeem with no shares outstanding: %w", ErrZeroAmount)
	}
	assets, err := fixed.MulDiv(shares, total, supply)
	if err != nil {
		return nil, fmt.Errorf("convert shares: %w", err)
	}
	if assets.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	fl, err := s.newUserFlow(ctx, protocol.TxRedeem, assets, new(big.Int).Neg(assets), receiver, owner)
	if err != nil {
		return nil, err
	}
	fl.tx.Strategy.Shares = new(big.Int).Set(shares)
	s.log.Info("redeem requested",
		zap.String("flow_id", fl.id),
		zap.String("shares", shares.String()),
		zap.Stringer("assets", s.depositAmount(assets)),
	)
	if s.meta.Emergency {
		s.settleDirect(ctx, fl)
		return assets, nil
	}
	if err := s.run(ctx, fl); err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *Strategy) TotalAssets(ctx context.Context) (*big.Int, error) {
	return s.reader.TotalAssets(ctx)
}

// PendingOperations lists the flows waiting on the venue, oldest first.
func (s *Strategy) PendingOperations(ctx context.Context) ([]state.PendingOperation, error) {
	return state.ListPending(ctx, s.store)
}

// UpdateContractAddress replaces one registry entry and persists the new version.
func (s *Strategy) UpdateContractAddress(ctx context.Context, caller common.Address, key ContractKey, addr common.Address) error {
	if caller != s.params.Admin {
		return fmt.Errorf("update %s from %s: %w", key, caller.Hex(), ErrUnauthorized)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.registry.Address(key)
	version, err := s.registry.set(key, addr)
	if err != nil {
		return err
	}
	if err := state.SaveRegistry(ctx, s.store, s.registry.snapshot()); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	s.log.Info("contract address updated",
		zap.Stringer("key", key),
		zap.String("previous", prev.Hex()),
		zap.String("address", addr.Hex()),
		zap.Uint64("version", version),
	)
	return nil
}

// run allocates fl. Failures after execution started are routed to the error
// handler; anything earlier is returned to the caller.
func (s *Strategy) run(ctx context.Context, fl *flow) error {
	err := s.allocate(ctx, fl)
	if err == nil {
		return nil
	}
	if failure, ok := asFailure(err); ok {
		s.handleFailure(ctx, fl, protocol.OrderKey{}, failure)
		return nil
	}
	_, _ = fl.sm.Apply(EventFail)
	if _, ok := modeFor(fl.kind()); ok {
		s.releaseMode(ctx, fl.id)
	}
	return err
}

func (s *Strategy) saveMeta(ctx context.Context) error {
	s.meta.UpdatedAtMS = s.now().UnixMilli()
	return state.SaveMetadata(ctx, s.store, s.meta)
}

func (s *Strategy) nextLocalKey(ctx context.Context) (protocol.OrderKey, error) {
	s.meta.LocalKeySeq++
	if err := s.saveMeta(ctx); err != nil {
		return protocol.OrderKey{}, fmt.Errorf("persist local key: %w", err)
	}
	return protocol.LocalKey(s.meta.LocalKeySeq), nil
}

func (s *Strategy) emit(ctx context.Context, outcome Outcome) {
	if s.notifier == nil {
		return
	}
	outcome.At = s.now()
	s.notifier.Notify(ctx, outcome)
}

func (s *Strategy) depositAmount(v *big.Int) fixed.Amount {
	return fixed.Amount{Raw: v, Decimals: s.params.DepositDecimals}
}

func (s *Strategy) secondaryAmount(v *big.Int) fixed.Amount {
	return fixed.Amount{Raw: v, Decimals: s.params.SecondaryDecimals}
}

func (s *Strategy) marketAmount(v *big.Int) fixed.Amount {
	return fixed.Amount{Raw: v, Decimals: s.params.MarketDecimals}
}

func (s *Strategy) requireRole(caller common.Address, roles ...common.Address) error {
	for _, role := range roles {
		if caller == role {
			return nil
		}
	}
	return fmt.Errorf("caller %s: %w", caller.Hex(), ErrUnauthorized)
}
