package market

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

var (
	self      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	weth      = common.HexToAddress("0x3000000000000000000000000000000000000003")
	gm        = common.HexToAddress("0x4000000000000000000000000000000000000004")
	aUSDC     = common.HexToAddress("0x5000000000000000000000000000000000000005")
	varDebt   = common.HexToAddress("0x6000000000000000000000000000000000000006")
	stblDebt  = common.HexToAddress("0x7000000000000000000000000000000000000007")
	unrelated = common.HexToAddress("0x8000000000000000000000000000000000000008")
)

type fakeTokens struct {
	balances map[common.Address]*big.Int
	supply   map[common.Address]*big.Int
	err      error
}

func (f *fakeTokens) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if holder != self {
		return new(big.Int), nil
	}
	if v, ok := f.balances[token]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeTokens) TotalSupply(_ context.Context, token common.Address) (*big.Int, error) {
	if v, ok := f.supply[token]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeTokens) Transfer(context.Context, common.Address, common.Address, common.Address, *big.Int) error {
	return nil
}

type fakeOracle struct {
	prices map[common.Address]*big.Int
}

func (f *fakeOracle) AssetPrice(_ context.Context, token common.Address) (*big.Int, error) {
	p, ok := f.prices[token]
	if !ok {
		return nil, errors.New("no price")
	}
	return p, nil
}

type fakeVenue struct {
	protocol.Venue
	withdrawal protocol.WithdrawalResult
	depositOut *big.Int
	oi         map[uint32]*big.Int
	depositIn  [2]*big.Int
}

func (f *fakeVenue) MarketInfo(context.Context, common.Address) (protocol.MarketInfo, error) {
	return protocol.MarketInfo{MarketToken: gm, IndexToken: weth, LongToken: weth, ShortToken: usdc}, nil
}

func (f *fakeVenue) SimulateWithdrawal(context.Context, common.Address, *big.Int) (protocol.WithdrawalResult, error) {
	return f.withdrawal, nil
}

func (f *fakeVenue) SimulateDeposit(_ context.Context, _ common.Address, long, short *big.Int) (*big.Int, error) {
	f.depositIn = [2]*big.Int{long, short}
	return f.depositOut, nil
}

func (f *fakeVenue) OpenInterest(_ context.Context, _ common.Address, query uint32) (*big.Int, error) {
	if v, ok := f.oi[query]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

type fakePool struct {
	protocol.LendingPool
}

func (fakePool) ReserveTokens(_ context.Context, token common.Address) (protocol.ReserveTokens, error) {
	if token == usdc {
		return protocol.ReserveTokens{AToken: aUSDC}, nil
	}
	return protocol.ReserveTokens{VariableDebt: varDebt, StableDebt: stblDebt}, nil
}

func (fakePool) HealthFactor(context.Context, common.Address) (*big.Int, error) {
	return mustInt("1500000000000000000"), nil
}

func (fakePool) LiquidationThresholdBps(context.Context, common.Address) (uint64, error) {
	return 8000, nil
}

func (fakePool) FlashPremiumBps(context.Context) (uint64, error) {
	return 5, nil
}

func mustInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func newTestReader() (*Reader, *fakeTokens, *fakeVenue, *fakeOracle) {
	tokens := &fakeTokens{
		balances: map[common.Address]*big.Int{
			usdc:  big.NewInt(1_000_000),
			aUSDC: big.NewInt(2_000_000),
			gm:    mustInt("1000000000000000000"),
		},
		supply: map[common.Address]*big.Int{gm: mustInt("1000000000000000000000000")},
	}
	venue := &fakeVenue{
		withdrawal: protocol.WithdrawalResult{
			Tokens:  [2]common.Address{weth, usdc},
			Amounts: [2]*big.Int{big.NewInt(250_000_000_000_000), big.NewInt(500_000)},
		},
		depositOut: mustInt("1000000000000000000000"),
		oi: map[uint32]*big.Int{
			protocol.PackOpenInterestQuery(0, true):  mustInt("3000000000000000000000000000000000"),
			protocol.PackOpenInterestQuery(0, false): mustInt("5000000000000000000000000000000000"),
		},
	}
	oracle := &fakeOracle{prices: map[common.Address]*big.Int{
		usdc: big.NewInt(100_000_000),
		weth: big.NewInt(200_000_000_000),
	}}
	cfg := Config{
		Self:              self,
		Market:            gm,
		Deposit:           usdc,
		Secondary:         weth,
		DepositDecimals:   6,
		SecondaryDecimals: 18,
		MarketDecimals:    18,
		SwapFeeTier:       500,
	}
	return NewReader(cfg, tokens, venue, fakePool{}, oracle, nil), tokens, venue, oracle
}

func TestOracleAndImpliedRate(t *testing.T) {
	r, _, _, _ := newTestReader()
	ctx := context.Background()
	rate, err := r.OracleRate(ctx)
	if err != nil {
		t.Fatalf("oracle rate: %v", err)
	}
	if want := mustInt("2000000000000000000000"); rate.Cmp(want) != 0 {
		t.Fatalf("oracle rate: got %s want %s", rate, want)
	}
	implied, err := r.ImpliedExchangeRate(ctx)
	if err != nil {
		t.Fatalf("implied rate: %v", err)
	}
	if want := mustInt("1999000000000000000000"); implied.Cmp(want) != 0 {
		t.Fatalf("implied rate: got %s want %s", implied, want)
	}
}

func TestOracleRateRejectsZeroPrice(t *testing.T) {
	r, _, _, oracle := newTestReader()
	oracle.prices[usdc] = new(big.Int)
	if _, err := r.OracleRate(context.Background()); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestLongSellRateSplitsByToken(t *testing.T) {
	r, _, _, _ := newTestReader()
	rates, err := r.LongSellRate(context.Background())
	if err != nil {
		t.Fatalf("sell rate: %v", err)
	}
	if want := mustInt("500000000000000000"); rates.Deposit.Cmp(want) != 0 {
		t.Fatalf("deposit component: got %s want %s", rates.Deposit, want)
	}
	if want := mustInt("250000000000000000000000000"); rates.Secondary.Cmp(want) != 0 {
		t.Fatalf("secondary component: got %s want %s", rates.Secondary, want)
	}
	if want := mustInt("999750000000000000"); rates.Value.Cmp(want) != 0 {
		t.Fatalf("value: got %s want %s", rates.Value, want)
	}
}

func TestLongSellRateUnknownToken(t *testing.T) {
	r, _, venue, _ := newTestReader()
	venue.withdrawal.Tokens[0] = unrelated
	if _, err := r.LongSellRate(context.Background()); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestLongBuyRateUsesShortSide(t *testing.T) {
	r, _, venue, _ := newTestReader()
	rate, err := r.LongBuyRate(context.Background())
	if err != nil {
		t.Fatalf("buy rate: %v", err)
	}
	if want := mustInt("1000000000000000000"); rate.Cmp(want) != 0 {
		t.Fatalf("buy rate: got %s want %s", rate, want)
	}
	if venue.depositIn[0].Sign() != 0 || venue.depositIn[1].Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("unexpected simulated amounts %v", venue.depositIn)
	}
	venue.depositOut = new(big.Int)
	if _, err := r.LongBuyRate(context.Background()); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
}

func TestLoanSumsDebtTokens(t *testing.T) {
	r, tokens, _, _ := newTestReader()
	tokens.balances[varDebt] = mustInt("1000000000000000000")
	tokens.balances[stblDebt] = mustInt("500000000000000000")
	loan, err := r.CurrentLoanBalance(context.Background())
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if want := mustInt("1500000000000000000"); loan.Cmp(want) != 0 {
		t.Fatalf("loan: got %s want %s", loan, want)
	}
}

func TestOpenInterestExposure(t *testing.T) {
	r, _, _, _ := newTestReader()
	exposure, err := r.OpenInterestExposure(context.Background())
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	// $2000 net short at $2000 per WETH.
	if want := mustInt("1000000000000000000"); exposure.Cmp(want) != 0 {
		t.Fatalf("exposure: got %s want %s", exposure, want)
	}
}

func TestReadErrorsPropagate(t *testing.T) {
	r, tokens, _, _ := newTestReader()
	boom := errors.New("rpc down")
	tokens.err = boom
	if _, err := r.CurrentCollateral(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped rpc error, got %v", err)
	}
	if _, err := r.Snapshot(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected snapshot to fail, got %v", err)
	}
}

func TestSnapshotTotalAssets(t *testing.T) {
	r, tokens, _, _ := newTestReader()
	ctx := context.Background()
	total, err := r.TotalAssets(ctx)
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	if want := big.NewInt(3_999_750); total.Cmp(want) != 0 {
		t.Fatalf("total assets: got %s want %s", total, want)
	}
	tokens.balances[varDebt] = mustInt("1000000000000000")
	total, err = r.TotalAssets(ctx)
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	if want := big.NewInt(1_998_750); total.Cmp(want) != 0 {
		t.Fatalf("total assets with loan: got %s want %s", total, want)
	}
}

func TestSnapshotSolverInputs(t *testing.T) {
	r, _, _, _ := newTestReader()
	s, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	in, err := s.SolverInputs(big.NewInt(1), 15000)
	if err != nil {
		t.Fatalf("inputs: %v", err)
	}
	if in.HDivQ != 18750 || in.SwapFeeBps != 5 || in.FlashPremiumBps != 5 {
		t.Fatalf("unexpected inputs %+v", in)
	}
	// 2.5e26 plus 1e18 exposure over 1e24 supply.
	if want := mustInt("251000000000000000000000000"); in.ExposureRate.Cmp(want) != 0 {
		t.Fatalf("exposure rate: got %s want %s", in.ExposureRate, want)
	}
}
