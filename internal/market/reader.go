package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrUnknownToken = errors.New("unknown token in venue result")
	ErrInvalidPrice = errors.New("invalid oracle price")
	ErrInvalidRate  = errors.New("venue returned zero rate")
)

// buyReferenceMultiplier sizes the simulated issuance at 1000 whole deposit units.
const buyReferenceMultiplier = 1000

// Config identifies the position the reader reports on.
type Config struct {
	Self              common.Address
	Market            common.Address
	Deposit           common.Address
	Secondary         common.Address
	DepositDecimals   uint8
	SecondaryDecimals uint8
	MarketDecimals    uint8
	// SwapFeeTier is the swap pool fee in hundredths of a bip.
	SwapFeeTier uint32
	// CollateralIndices are the venue's collateral slots queried for open interest.
	CollateralIndices []uint16
}

func (c Config) SwapFeeBps() uint64 {
	return uint64(c.SwapFeeTier) / 100
}

// SellRates is the value of one market-token raw unit when redeemed, split by
// the currency it is paid out in. All fields are scaled by fixed.Precision.
type SellRates struct {
	Value     *big.Int
	Deposit   *big.Int
	Secondary *big.Int
}

// Reader answers read-only position and market queries. Every call goes to
// the collaborators; nothing is cached.
type Reader struct {
	cfg    Config
	tokens protocol.Tokens
	venue  protocol.Venue
	pool   protocol.LendingPool
	oracle protocol.Oracle
	log    *zap.Logger
}

func NewReader(cfg Config, tokens protocol.Tokens, venue protocol.Venue, pool protocol.LendingPool, oracle protocol.Oracle, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.CollateralIndices) == 0 {
		cfg.CollateralIndices = []uint16{0, 1}
	}
	return &Reader{cfg: cfg, tokens: tokens, venue: venue, pool: pool, oracle: oracle, log: log}
}

func (r *Reader) Config() Config {
	return r.cfg
}

func (r *Reader) CurrentLongHoldings(ctx context.Context) (*big.Int, error) {
	bal, err := r.tokens.BalanceOf(ctx, r.cfg.Market, r.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("long holdings: %w", err)
	}
	return bal, nil
}

// CurrentLoanBalance sums the variable and stable debt of the secondary reserve.
func (r *Reader) CurrentLoanBalance(ctx context.Context) (*big.Int, error) {
	reserve, err := r.pool.ReserveTokens(ctx, r.cfg.Secondary)
	if err != nil {
		return nil, fmt.Errorf("secondary reserve: %w", err)
	}
	total := new(big.Int)
	for _, debt := range []common.Address{reserve.VariableDebt, reserve.StableDebt} {
		if debt == (common.Address{}) {
			continue
		}
		bal, err := r.tokens.BalanceOf(ctx, debt, r.cfg.Self)
		if err != nil {
			return nil, fmt.Errorf("debt balance: %w", err)
		}
		total.Add(total, bal)
	}
	return total, nil
}

func (r *Reader) CurrentCollateral(ctx context.Context) (*big.Int, error) {
	reserve, err := r.pool.ReserveTokens(ctx, r.cfg.Deposit)
	if err != nil {
		return nil, fmt.Errorf("deposit reserve: %w", err)
	}
	bal, err := r.tokens.BalanceOf(ctx, reserve.AToken, r.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("collateral balance: %w", err)
	}
	return bal, nil
}

func (r *Reader) IdleBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	bal, err := r.tokens.BalanceOf(ctx, token, r.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("idle balance %s: %w", token.Hex(), err)
	}
	return bal, nil
}

// OracleRate is deposit raw units per secondary raw unit, scaled by 1e30.
func (r *Reader) OracleRate(ctx context.Context) (*big.Int, error) {
	pDeposit, err := r.price(ctx, r.cfg.Deposit)
	if err != nil {
		return nil, err
	}
	pSecondary, err := r.price(ctx, r.cfg.Secondary)
	if err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(pSecondary, fixed.Pow10(r.cfg.DepositDecimals))
	num.Mul(num, fixed.Precision)
	den := new(big.Int).Mul(pDeposit, fixed.Pow10(r.cfg.SecondaryDecimals))
	return num.Div(num, den), nil
}

// ImpliedExchangeRate is the oracle rate net of the swap pool fee.
func (r *Reader) ImpliedExchangeRate(ctx context.Context) (*big.Int, error) {
	rate, err := r.OracleRate(ctx)
	if err != nil {
		return nil, err
	}
	return fixed.SubBps(rate, r.cfg.SwapFeeBps()), nil
}

// LongSellRate simulates redeeming one whole market token.
func (r *Reader) LongSellRate(ctx context.Context) (SellRates, error) {
	implied, err := r.ImpliedExchangeRate(ctx)
	if err != nil {
		return SellRates{}, err
	}
	return r.sellRates(ctx, implied)
}

func (r *Reader) sellRates(ctx context.Context, implied *big.Int) (SellRates, error) {
	ref := fixed.Pow10(r.cfg.MarketDecimals)
	res, err := r.venue.SimulateWithdrawal(ctx, r.cfg.Market, ref)
	if err != nil {
		return SellRates{}, fmt.Errorf("simulate withdrawal: %w", err)
	}
	depositOut := new(big.Int)
	secondaryOut := new(big.Int)
	for i, token := range res.Tokens {
		amount := fixed.OrZero(res.Amounts[i])
		switch token {
		case r.cfg.Deposit:
			depositOut.Add(depositOut, amount)
		case r.cfg.Secondary:
			secondaryOut.Add(secondaryOut, amount)
		default:
			if amount.Sign() != 0 {
				return SellRates{}, fmt.Errorf("%s: %w", token.Hex(), ErrUnknownToken)
			}
		}
	}
	dep := new(big.Int).Mul(depositOut, fixed.Precision)
	sec := new(big.Int).Mul(secondaryOut, fixed.Precision)
	value := new(big.Int).Mul(secondaryOut, implied)
	value.Add(value, dep)
	return SellRates{
		Value:     value.Div(value, ref),
		Deposit:   dep.Div(dep, ref),
		Secondary: sec.Div(sec, ref),
	}, nil
}

// LongBuyRate is deposit raw units paid per market-token raw unit, scaled by 1e30.
func (r *Reader) LongBuyRate(ctx context.Context) (*big.Int, error) {
	info, err := r.venue.MarketInfo(ctx, r.cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("market info: %w", err)
	}
	ref := new(big.Int).Mul(fixed.Pow10(r.cfg.DepositDecimals), big.NewInt(buyReferenceMultiplier))
	long, short := new(big.Int), new(big.Int)
	switch r.cfg.Deposit {
	case info.LongToken:
		long = ref
	case info.ShortToken:
		short = ref
	default:
		return nil, fmt.Errorf("deposit %s: %w", r.cfg.Deposit.Hex(), ErrUnknownToken)
	}
	out, err := r.venue.SimulateDeposit(ctx, r.cfg.Market, long, short)
	if err != nil {
		return nil, fmt.Errorf("simulate deposit: %w", err)
	}
	if out == nil || out.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	rate := new(big.Int).Mul(ref, fixed.Precision)
	return rate.Div(rate, out), nil
}

// HealthFactor is 1e18-scaled.
func (r *Reader) HealthFactor(ctx context.Context) (*big.Int, error) {
	hf, err := r.pool.HealthFactor(ctx, r.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("health factor: %w", err)
	}
	return hf, nil
}

func (r *Reader) LiquidationThresholdBps(ctx context.Context) (uint64, error) {
	v, err := r.pool.LiquidationThresholdBps(ctx, r.cfg.Deposit)
	if err != nil {
		return 0, fmt.Errorf("liquidation threshold: %w", err)
	}
	return v, nil
}

func (r *Reader) FlashPremiumBps(ctx context.Context) (uint64, error) {
	v, err := r.pool.FlashPremiumBps(ctx)
	if err != nil {
		return 0, fmt.Errorf("flash premium: %w", err)
	}
	return v, nil
}

func (r *Reader) TotalLongSupply(ctx context.Context) (*big.Int, error) {
	supply, err := r.tokens.TotalSupply(ctx, r.cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("market supply: %w", err)
	}
	return supply, nil
}

// OpenInterestExposure is short minus long open interest on the market,
// converted from USD (1e30) to secondary raw units. Truncates toward zero.
func (r *Reader) OpenInterestExposure(ctx context.Context) (*big.Int, error) {
	longOI, shortOI := new(big.Int), new(big.Int)
	for _, idx := range r.cfg.CollateralIndices {
		for _, isLong := range []bool{true, false} {
			query := protocol.PackOpenInterestQuery(idx, isLong)
			oi, err := r.venue.OpenInterest(ctx, r.cfg.Market, query)
			if err != nil {
				return nil, fmt.Errorf("open interest %#08x: %w", query, err)
			}
			if isLong {
				longOI.Add(longOI, oi)
			} else {
				shortOI.Add(shortOI, oi)
			}
		}
	}
	pSecondary, err := r.price(ctx, r.cfg.Secondary)
	if err != nil {
		return nil, err
	}
	// usd/1e30 dollars, price/1e8 dollars per token.
	out := new(big.Int).Sub(shortOI, longOI)
	out.Mul(out, fixed.Pow10(r.cfg.SecondaryDecimals))
	out.Mul(out, fixed.Pow10(8))
	den := new(big.Int).Mul(pSecondary, fixed.Precision)
	return out.Quo(out, den), nil
}

func (r *Reader) price(ctx context.Context, token common.Address) (*big.Int, error) {
	p, err := r.oracle.AssetPrice(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("oracle price %s: %w", token.Hex(), err)
	}
	if p == nil || p.Sign() <= 0 {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrInvalidPrice)
	}
	return p, nil
}
