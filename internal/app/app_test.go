package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dn-yield-strategy/internal/config"
	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/oracle/rest"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/state"
	"dn-yield-strategy/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newTestApp(t *testing.T) (*App, *memoryStore) {
	t.Helper()
	cfg := config.Default()
	store := &memoryStore{data: make(map[string]string)}
	a, err := build(context.Background(), cfg, store, testLogger())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	return a, store
}

func (a *App) mustCommand(t *testing.T, cmd string, args ...string) string {
	t.Helper()
	resp, err := a.handleOperatorCommand(context.Background(), cmd, args, operatorMeta{UpdateID: time.Now().UnixNano(), Raw: "/" + cmd})
	if err != nil {
		t.Fatalf("/%s %v: %v", cmd, args, err)
	}
	return resp
}

// settle ticks the keeper until the venue queue stays empty.
func (a *App) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 5; i++ {
		a.tick(context.Background(), time.Time{})
		if a.world.Venue.Pending() == 0 {
			return
		}
	}
	t.Fatalf("venue queue not drained after 5 ticks: %d orders", a.world.Venue.Pending())
}

func TestKeeperTickSettlesPaperDeposit(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	resp := a.mustCommand(t, "deposit", "1000000")
	if !strings.HasPrefix(resp, "deposit submitted") {
		t.Fatalf("unexpected deposit response %q", resp)
	}
	if n := a.world.Venue.Pending(); n != 1 {
		t.Fatalf("expected one queued venue order, got %d", n)
	}
	if resp := a.mustCommand(t, "pending"); !strings.HasPrefix(resp, "pending orders: 1") {
		t.Fatalf("unexpected pending response %q", resp)
	}

	a.settle(t)

	shares, err := a.world.Vault.SharesOf(ctx, paperDepositor)
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	want, _ := fixed.Parse("1000000", 6)
	if shares.Cmp(want) != 0 {
		t.Fatalf("expected %s shares, got %s", want, shares)
	}
	if resp := a.mustCommand(t, "pending"); resp != "no pending orders" {
		t.Fatalf("unexpected pending response %q", resp)
	}
	if status := a.mustCommand(t, "status"); !strings.Contains(status, "paused: false") || !strings.Contains(status, "total assets:") {
		t.Fatalf("unexpected status %q", status)
	}
}

func TestKeeperRebalanceConverges(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	a.mustCommand(t, "deposit", "1000000")

	a.tick(ctx, time.Time{})
	if n := a.world.Venue.Pending(); n > 1 {
		t.Fatalf("expected at most one follow-up order, got %d", n)
	}
	ops, err := a.strategy.PendingOperations(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for _, op := range ops {
		if op.Tx.Strategy.Kind != protocol.TxRebalance {
			t.Fatalf("unexpected follow-up flow %s", op.Tx.Strategy.Kind)
		}
	}

	a.tick(ctx, time.Time{})
	if n := a.world.Venue.Pending(); n != 0 {
		t.Fatalf("expected rebalance settled in one more tick, got %d queued", n)
	}
	need, err := a.strategy.NeedRebalance(ctx)
	if err != nil {
		t.Fatalf("need rebalance: %v", err)
	}
	if need {
		t.Fatalf("expected position within bounds after one rebalance")
	}
	if _, held := a.strategy.ModeLock(); held {
		t.Fatalf("mode lock held after rebalance settled")
	}
}

func TestKeeperTickSkipsWhenPaused(t *testing.T) {
	a, _ := newTestApp(t)
	a.mustCommand(t, "deposit", "1000")
	a.mustCommand(t, "pause")

	a.tick(context.Background(), time.Time{})

	if n := a.world.Venue.Pending(); n != 1 {
		t.Fatalf("expected order to stay queued while paused, got %d", n)
	}
}

func TestOperatorEmergencyCommand(t *testing.T) {
	a, store := newTestApp(t)
	ctx := context.Background()
	a.mustCommand(t, "deposit", "100000")
	a.settle(t)

	if resp := a.mustCommand(t, "emergency", "on"); resp != "emergency unwind submitted" {
		t.Fatalf("unexpected response %q", resp)
	}
	if a.strategy.EmergencyMode() {
		t.Fatalf("emergency flag set before the unwind settled")
	}
	if n := a.world.Venue.Pending(); n != 1 {
		t.Fatalf("expected one unwind order, got %d", n)
	}
	if _, err := a.world.Venue.ExecutePending(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !a.strategy.EmergencyMode() {
		t.Fatalf("expected emergency mode after the unwind settled")
	}
	if _, err := a.handleOperatorCommand(ctx, "rebalance", nil, operatorMeta{UpdateID: 1}); !errors.Is(err, strategy.ErrEmergency) {
		t.Fatalf("expected ErrEmergency from rebalance, got %v", err)
	}
	var found bool
	for _, event := range store.audits(t) {
		if event.Action == "emergency_on" && event.Error == "" && !event.EmergencyBefore && event.EmergencyQueued {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected queued emergency_on audit entry")
	}
	if _, err := a.handleOperatorCommand(ctx, "emergency", []string{"sideways"}, operatorMeta{}); err == nil {
		t.Fatalf("expected error for unknown emergency argument")
	}
}

func TestPaperFlowRejectsBadAmounts(t *testing.T) {
	a, _ := newTestApp(t)
	for _, args := range [][]string{nil, {"abc"}, {"0"}, {"1", "2"}} {
		if _, err := a.handleOperatorCommand(context.Background(), "deposit", args, operatorMeta{}); err == nil {
			t.Fatalf("expected error for deposit %v", args)
		}
	}
}

func TestKeeperTickSyncsPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"USDC":"1","WETH":"2100"}`))
	}))
	defer server.Close()

	a, _ := newTestApp(t)
	a.prices = rest.New(server.URL, time.Second, testLogger())
	ctx := context.Background()

	last := a.tick(ctx, time.Time{})
	if last.IsZero() {
		t.Fatalf("expected price sync time recorded")
	}
	price, err := a.world.Oracle.AssetPrice(ctx, a.world.Addr.Secondary)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want, _ := fixed.Parse("2100", rest.PriceDecimals)
	if price.Cmp(want) != 0 {
		t.Fatalf("expected synced price %s, got %s", want, price)
	}
	if again := a.tick(ctx, last); !again.Equal(last) {
		t.Fatalf("expected no resync inside the price interval")
	}
}

func TestResetPaperStateKeepsRegistryAndOperatorState(t *testing.T) {
	store := &memoryStore{data: map[string]string{
		state.PendingPrefix + "0x01": "{}",
		"order:deposit:abc":          "0x02",
		state.MetadataKey:            "{}",
		state.RegistryKey:            "{}",
		operatorOffsetKey:            "12",
		"ops:audit:1:1":              "{}",
	}}
	if err := resetPaperState(context.Background(), store); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(store.data) != 3 {
		t.Fatalf("expected registry and operator keys to survive, got %v", store.data)
	}
	for _, key := range []string{state.RegistryKey, operatorOffsetKey, "ops:audit:1:1"} {
		if _, ok := store.data[key]; !ok {
			t.Fatalf("expected %s kept", key)
		}
	}
}

func TestStrategyParamsApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.ExecutionFee = "0.001"
	cfg.Contracts = map[string]string{"treasury": "0x00000000000000000000000000000000000000bb"}
	addr, err := paperAddresses(cfg)
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	params, err := strategyParams(cfg, addr)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Contracts[strategy.Treasury] != common.HexToAddress("0xbb") {
		t.Fatalf("expected treasury override, got %s", params.Contracts[strategy.Treasury].Hex())
	}
	if params.Contracts[strategy.LendingPool] != addr.Pool {
		t.Fatalf("expected paper pool kept")
	}
	if params.ExecutionFee.String() != "1000000000000000" {
		t.Fatalf("unexpected execution fee %s", params.ExecutionFee)
	}

	cfg.Contracts = map[string]string{"oracle": "0x00000000000000000000000000000000000000bb"}
	if _, err := strategyParams(cfg, addr); !errors.Is(err, strategy.ErrInvalidContractKey) {
		t.Fatalf("expected ErrInvalidContractKey, got %v", err)
	}
	cfg.Contracts = map[string]string{"treasury": "not-an-address"}
	if _, err := strategyParams(cfg, addr); err == nil {
		t.Fatalf("expected error for invalid address")
	}
	cfg.Contracts = nil
	cfg.Roles.Admin = "0xzz"
	if _, err := paperAddresses(cfg); err == nil {
		t.Fatalf("expected error for invalid admin address")
	}
}

func TestBuildFundsExecutionFees(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.ExecutionFee = "0.01"
	a, err := build(context.Background(), cfg, &memoryStore{}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want, _ := fixed.Parse(cfg.Paper.StrategyNative, 18)
	if got := a.world.Balance(a.world.Addr.WrappedNative, a.world.Addr.Strategy); got.Cmp(want) != 0 {
		t.Fatalf("expected strategy funded with %s, got %s", want, got)
	}
	a.mustCommand(t, "deposit", "1000")
	a.tick(context.Background(), time.Time{})
	shares, err := a.world.Vault.SharesOf(context.Background(), paperDepositor)
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	if shares.Sign() == 0 {
		t.Fatalf("expected fee-paying deposit order to execute")
	}
}

func TestMetricsServerHonoursConfig(t *testing.T) {
	a, _ := newTestApp(t)
	server := a.metricsServer()
	if server == nil || server.Addr != a.cfg.Metrics.Listen {
		t.Fatalf("expected metrics server on %s", a.cfg.Metrics.Listen)
	}
	disabled := false
	a.cfg.Metrics.Enabled = &disabled
	if a.metricsServer() != nil {
		t.Fatalf("expected no metrics server when disabled")
	}
}
