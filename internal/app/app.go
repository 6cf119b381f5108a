package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dn-yield-strategy/internal/alerts"
	"dn-yield-strategy/internal/config"
	"dn-yield-strategy/internal/exec"
	"dn-yield-strategy/internal/feed"
	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/metrics"
	"dn-yield-strategy/internal/oracle/rest"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/sim"
	"dn-yield-strategy/internal/state"
	"dn-yield-strategy/internal/state/sqlite"
	"dn-yield-strategy/internal/strategy"
	"dn-yield-strategy/internal/timescale"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = 5 * time.Second

// paperDepositor is the account operator deposits and withdrawals act for.
var paperDepositor = common.HexToAddress("0x00000000000000000000000000000000000e0001")

// operatorClient is the Telegram surface the operator loop needs.
type operatorClient interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	world      *sim.World
	strategy   *strategy.Strategy
	prom       *metrics.Prometheus
	alerts     operatorClient
	timescale  *timescale.Writer
	prices     *rest.Client
	feed       *feed.Client
	dispatcher *feed.Dispatcher
	keeper     common.Address
	admin      common.Address
	now        func() time.Time

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// build wires every component around store. Tests call it with a memory store.
func build(ctx context.Context, cfg *config.Config, store state.Store, log *zap.Logger) (*App, error) {
	addr, err := paperAddresses(cfg)
	if err != nil {
		return nil, err
	}
	world, err := sim.NewWorld(ctx, addr, paperWorldConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("paper world: %w", err)
	}
	if err := resetPaperState(ctx, store); err != nil {
		return nil, fmt.Errorf("reset paper state: %w", err)
	}
	params, err := strategyParams(cfg, addr)
	if err != nil {
		return nil, err
	}
	if params.ExecutionFee.Sign() > 0 {
		if err := world.Fund(addr.WrappedNative, addr.Strategy, cfg.Paper.StrategyNative); err != nil {
			return nil, fmt.Errorf("fund execution fees: %w", err)
		}
	}

	prom := metrics.NewPrometheus()
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}
	deps := strategy.Deps{
		Tokens:   world.Ledger,
		Venue:    world.Venue,
		Pool:     world.Pool,
		Router:   world.Router,
		Oracle:   world.Oracle,
		Vault:    world.Vault,
		Store:    store,
		Metrics:  prom.Metrics,
		Notifier: alerts.NewOutcomeNotifier(telegram, cfg.Strategy.DepositSymbol, cfg.Strategy.DepositDecimals, log, protocol.TxRebalance.String(), protocol.TxHarvest.String()),
		Log:      log,
	}
	if writer != nil {
		deps.Recorder = writer
	}
	strat, err := strategy.New(ctx, params, deps)
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	world.Connect(strat)

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		world:     world,
		strategy:  strat,
		prom:      prom,
		alerts:    telegram,
		timescale: writer,
		keeper:    params.Keeper,
		admin:     params.Admin,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if url := strings.TrimSpace(cfg.Paper.PriceSourceURL); url != "" {
		a.prices = rest.New(url, cfg.Paper.PriceTimeout, log)
	}
	if cfg.Feed.Enabled {
		controller := common.HexToAddress(cfg.Feed.Controller)
		if registered := strat.Registry().Address(strategy.VenueController); registered != controller {
			log.Warn("feed controller differs from registered venue controller, reports will be rejected",
				zap.String("feed", controller.Hex()),
				zap.String("registry", registered.Hex()),
			)
		}
		a.feed = feed.NewClient(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)
		a.dispatcher = feed.NewDispatcher(controller, strat, log)
		if err := a.feed.Subscribe(ctx, feed.SubscribeReports(addr.Strategy.Hex())); err != nil {
			return nil, fmt.Errorf("feed subscribe: %w", err)
		}
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lifecycle conc.WaitGroup
	a.timescale.Start(ctx)
	server := a.metricsServer()
	if server != nil {
		lifecycle.Go(func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		})
		a.log.Info("metrics listening", zap.String("addr", server.Addr), zap.String("path", a.cfg.Metrics.Path))
	}
	if a.feed != nil {
		lifecycle.Go(func() {
			a.runFeed(ctx)
		})
	}
	a.startOperator(ctx, &lifecycle)

	if status, err := a.strategy.Status(ctx); err == nil {
		a.log.Info("strategy ready", zap.String("status", status))
	}
	err := a.keeperLoop(ctx)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		_ = server.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	cancel()
	lifecycle.Wait()
	return err
}

// runFeed redials the report stream with exponential backoff until ctx is done.
func (a *App) runFeed(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = time.Minute
	err := backoff.RetryNotify(func() error {
		err := a.feed.Run(ctx, a.dispatcher.Handle)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		a.log.Warn("feed dial failed", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("feed stopped", zap.Error(err))
	}
}

func (a *App) metricsServer() *http.Server {
	if !a.cfg.Metrics.EnabledValue() || a.prom == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	return &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.log.Sync()
}

// resetPaperState drops flow state left by a previous run. The simulated
// world starts empty on every run, so pending orders and position metadata
// from an earlier process refer to nothing. The contract registry is kept.
func resetPaperState(ctx context.Context, store state.Store) error {
	for _, prefix := range []string{state.PendingPrefix, exec.CachePrefix} {
		entries, err := store.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := store.Delete(ctx, entry.Key); err != nil {
				return err
			}
		}
	}
	return store.Delete(ctx, state.MetadataKey)
}

func paperAddresses(cfg *config.Config) (sim.Addresses, error) {
	addr := sim.DefaultAddresses()
	if err := parseAddress("roles.keeper", cfg.Roles.Keeper, &addr.Keeper); err != nil {
		return sim.Addresses{}, err
	}
	if err := parseAddress("roles.admin", cfg.Roles.Admin, &addr.Admin); err != nil {
		return sim.Addresses{}, err
	}
	return addr, nil
}

func paperWorldConfig(cfg *config.Config) sim.WorldConfig {
	p := cfg.Paper
	return sim.WorldConfig{
		DepositSymbol:           cfg.Strategy.DepositSymbol,
		SecondarySymbol:         cfg.Strategy.SecondarySymbol,
		DepositDecimals:         cfg.Strategy.DepositDecimals,
		SecondaryDecimals:       cfg.Strategy.SecondaryDecimals,
		DepositPriceUSD:         p.DepositPriceUSD,
		SecondaryPriceUSD:       p.SecondaryPriceUSD,
		MarketLong:              p.MarketLong,
		MarketShort:             p.MarketShort,
		PoolLiquidity:           p.PoolLiquidity,
		PoolDepositLiquidity:    p.PoolDepositLiquidity,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		FlashPremiumBps:         p.FlashPremiumBps,
		VenueFeeBps:             p.VenueFeeBps,
	}
}

func strategyParams(cfg *config.Config, addr sim.Addresses) (strategy.Params, error) {
	s := cfg.Strategy
	fee, err := fixed.Parse(orDefault(s.ExecutionFee, "0"), 18)
	if err != nil {
		return strategy.Params{}, fmt.Errorf("strategy.execution_fee: %w", err)
	}
	contracts := map[strategy.ContractKey]common.Address{
		strategy.VenueController: addr.Controller,
		strategy.DepositVault:    addr.DepositVault,
		strategy.WithdrawalVault: addr.WithdrawalVault,
		strategy.LendingPool:     addr.Pool,
		strategy.SwapRouter:      addr.Router,
		strategy.Treasury:        addr.Treasury,
	}
	for name, raw := range cfg.Contracts {
		key, err := strategy.ParseContractKey(name)
		if err != nil {
			return strategy.Params{}, fmt.Errorf("contracts: %w", err)
		}
		target := contracts[key]
		if err := parseAddress("contracts."+name, raw, &target); err != nil {
			return strategy.Params{}, err
		}
		contracts[key] = target
	}
	return strategy.Params{
		Self:              addr.Strategy,
		Market:            addr.Market,
		Deposit:           addr.Deposit,
		Secondary:         addr.Secondary,
		WrappedNative:     addr.WrappedNative,
		DepositDecimals:   s.DepositDecimals,
		SecondaryDecimals: s.SecondaryDecimals,
		MarketDecimals:    s.MarketDecimals,
		SwapFeeTier:       s.SwapFeeTier,
		HealthLowBps:      s.HealthLowBps,
		HealthHighBps:     s.HealthHighBps,
		HealthTargetBps:   s.HealthTargetBps,
		ImbalanceBps:      s.ImbalanceBps,
		SlippageBps:       s.SlippageBps,
		ExecutionFee:      fee,
		ModeTimeout:       s.ModeTimeout,
		HarvestInterval:   s.HarvestInterval,
		PerformanceFeeBps: s.PerformanceFeeBps,
		SwapDeadline:      s.SwapDeadline,
		Vault:             addr.Vault,
		Keeper:            addr.Keeper,
		Admin:             addr.Admin,
		Contracts:         contracts,
		CollateralIndices: s.CollateralIndices,
	}, nil
}

// parseAddress overwrites target when raw is set.
func parseAddress(name, raw string, target *common.Address) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("%s: invalid address %q", name, raw)
	}
	*target = common.HexToAddress(raw)
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
