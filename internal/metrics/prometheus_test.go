package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.DepositOrders.Inc()
	prom.Metrics.WithdrawalOrders.Inc()
	prom.Metrics.OrderRetries.Inc()
	prom.Metrics.FlashLoans.Inc()
	prom.Metrics.FlashFailed.Inc()
	prom.Metrics.Settlements.Inc()
	prom.Metrics.SettlementFailures.Inc()
	prom.Metrics.Cancellations.Inc()
	prom.Metrics.ModeConflicts.Inc()
	prom.Metrics.LockTakeovers.Inc()
	prom.Metrics.LockTakeovers.Inc()

	assertCounter(t, prom.depositOrders, 1)
	assertCounter(t, prom.withdrawalOrders, 1)
	assertCounter(t, prom.orderRetries, 1)
	assertCounter(t, prom.flashLoans, 1)
	assertCounter(t, prom.flashFailed, 1)
	assertCounter(t, prom.settlements, 1)
	assertCounter(t, prom.settlementFailures, 1)
	assertCounter(t, prom.cancellations, 1)
	assertCounter(t, prom.modeConflicts, 1)
	assertCounter(t, prom.lockTakeovers, 2)
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Settlements.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dn_strategy_settlements_total 1") {
		t.Fatalf("expected settlements counter in output, got %s", rec.Body.String())
	}
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
