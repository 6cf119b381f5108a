package sim

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

// Addresses of every account and contract in a simulated world.
type Addresses struct {
	Strategy        common.Address
	Vault           common.Address
	Shares          common.Address
	Keeper          common.Address
	Admin           common.Address
	Treasury        common.Address
	LiquidityOwner  common.Address
	Deposit         common.Address
	Secondary       common.Address
	WrappedNative   common.Address
	Market          common.Address
	Controller      common.Address
	DepositVault    common.Address
	WithdrawalVault common.Address
	Pool            common.Address
	Router          common.Address
}

func DefaultAddresses() Addresses {
	return Addresses{
		Strategy:        common.HexToAddress("0x00000000000000000000000000000000000a0001"),
		Vault:           common.HexToAddress("0x00000000000000000000000000000000000a0002"),
		Shares:          common.HexToAddress("0x00000000000000000000000000000000000a0003"),
		Keeper:          common.HexToAddress("0x00000000000000000000000000000000000a0004"),
		Admin:           common.HexToAddress("0x00000000000000000000000000000000000a0005"),
		Treasury:        common.HexToAddress("0x00000000000000000000000000000000000a0006"),
		LiquidityOwner:  common.HexToAddress("0x00000000000000000000000000000000000a0007"),
		Deposit:         common.HexToAddress("0x00000000000000000000000000000000000b0001"),
		Secondary:       common.HexToAddress("0x00000000000000000000000000000000000b0002"),
		WrappedNative:   common.HexToAddress("0x00000000000000000000000000000000000b0003"),
		Market:          common.HexToAddress("0x00000000000000000000000000000000000c0001"),
		Controller:      common.HexToAddress("0x00000000000000000000000000000000000c0002"),
		DepositVault:    common.HexToAddress("0x00000000000000000000000000000000000c0003"),
		WithdrawalVault: common.HexToAddress("0x00000000000000000000000000000000000c0004"),
		Pool:            common.HexToAddress("0x00000000000000000000000000000000000d0001"),
		Router:          common.HexToAddress("0x00000000000000000000000000000000000d0002"),
	}
}

// WorldConfig sizes a simulated world. Amounts are decimal strings in whole
// token units.
type WorldConfig struct {
	DepositSymbol     string
	SecondarySymbol   string
	DepositDecimals   uint8
	SecondaryDecimals uint8
	DepositPriceUSD   string
	SecondaryPriceUSD string

	MarketLong  string
	MarketShort string
	// PoolLiquidity is the secondary currency available to borrow or flash.
	PoolLiquidity string
	// PoolDepositLiquidity is deposit currency available to flash.
	PoolDepositLiquidity string

	LiquidationThresholdBps uint64
	FlashPremiumBps         uint64
	VenueFeeBps             uint64
	Clock                   func() time.Time
}

func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		DepositSymbol:           "USDC",
		SecondarySymbol:         "WETH",
		DepositDecimals:         6,
		SecondaryDecimals:       18,
		DepositPriceUSD:         "1",
		SecondaryPriceUSD:       "2000",
		MarketLong:              "1000",
		MarketShort:             "2000000",
		PoolLiquidity:           "100000",
		PoolDepositLiquidity:    "100000000",
		LiquidationThresholdBps: 8000,
		FlashPremiumBps:         5,
	}
}

// World is a complete set of simulated collaborators.
type World struct {
	Addr   Addresses
	Ledger *Ledger
	Oracle *Oracle
	Pool   *Pool
	Router *Router
	Venue  *Venue
	Vault  *Vault
}

func NewWorld(ctx context.Context, addr Addresses, cfg WorldConfig) (*World, error) {
	ledger := NewLedger()
	ledger.Register(addr.Deposit, cfg.DepositSymbol, cfg.DepositDecimals)
	ledger.Register(addr.Secondary, cfg.SecondarySymbol, cfg.SecondaryDecimals)
	ledger.Register(addr.WrappedNative, "WNATIVE", 18)
	ledger.Register(addr.Market, "MKT", 18)

	oracle := NewOracle()
	if err := oracle.SetPriceUSD(addr.Deposit, cfg.DepositPriceUSD); err != nil {
		return nil, err
	}
	if err := oracle.SetPriceUSD(addr.Secondary, cfg.SecondaryPriceUSD); err != nil {
		return nil, err
	}

	pool := NewPool(addr.Pool, ledger, oracle, cfg.FlashPremiumBps)
	for _, token := range []common.Address{addr.Deposit, addr.Secondary} {
		if _, err := pool.AddReserve(token, cfg.LiquidationThresholdBps); err != nil {
			return nil, err
		}
	}
	if err := mintUnits(ledger, addr.Secondary, addr.Pool, cfg.PoolLiquidity, cfg.SecondaryDecimals); err != nil {
		return nil, err
	}
	if err := mintUnits(ledger, addr.Deposit, addr.Pool, cfg.PoolDepositLiquidity, cfg.DepositDecimals); err != nil {
		return nil, err
	}

	venue := NewVenue(VenueConfig{
		Market: protocol.MarketInfo{
			MarketToken: addr.Market,
			IndexToken:  addr.Secondary,
			LongToken:   addr.Secondary,
			ShortToken:  addr.Deposit,
		},
		Controller:      addr.Controller,
		DepositVault:    addr.DepositVault,
		WithdrawalVault: addr.WithdrawalVault,
		WrappedNative:   addr.WrappedNative,
		FeeBps:          cfg.VenueFeeBps,
	}, ledger, oracle)
	long, err := fixed.Parse(orZero(cfg.MarketLong), cfg.SecondaryDecimals)
	if err != nil {
		return nil, fmt.Errorf("market long: %w", err)
	}
	short, err := fixed.Parse(orZero(cfg.MarketShort), cfg.DepositDecimals)
	if err != nil {
		return nil, fmt.Errorf("market short: %w", err)
	}
	if long.Sign() > 0 || short.Sign() > 0 {
		if _, err := venue.Seed(ctx, addr.LiquidityOwner, long, short); err != nil {
			return nil, fmt.Errorf("seed market: %w", err)
		}
	}

	vault, err := NewVault(addr.Vault, addr.Deposit, addr.Shares, ledger)
	if err != nil {
		return nil, err
	}
	return &World{
		Addr:   addr,
		Ledger: ledger,
		Oracle: oracle,
		Pool:   pool,
		Router: NewRouter(ledger, oracle, cfg.Clock),
		Venue:  venue,
		Vault:  vault,
	}, nil
}

// Fund mints whole units of token to holder.
func (w *World) Fund(token, holder common.Address, units string) error {
	info, err := w.Ledger.Info(token)
	if err != nil {
		return err
	}
	return mintUnits(w.Ledger, token, holder, units, info.Decimals)
}

// Connect registers the strategy with the vault and the venue.
func (w *World) Connect(strategy interface {
	Strategy
	protocol.VenueCallbacks
}) {
	w.Vault.Attach(strategy, w.Addr.Strategy)
	w.Venue.SetCallbacks(strategy)
}

func mintUnits(ledger *Ledger, token, holder common.Address, units string, decimals uint8) error {
	amount, err := fixed.Parse(orZero(units), decimals)
	if err != nil {
		return fmt.Errorf("amount %q: %w", units, err)
	}
	if amount.Sign() == 0 {
		return nil
	}
	return ledger.Mint(token, holder, amount)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Balance is a convenience for reading a balance without a context.
func (w *World) Balance(token, holder common.Address) *big.Int {
	bal, err := w.Ledger.BalanceOf(context.Background(), token, holder)
	if err != nil {
		return new(big.Int)
	}
	return bal
}
