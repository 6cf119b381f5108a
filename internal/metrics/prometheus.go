package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_strategy"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	depositOrders      prometheus.Counter
	withdrawalOrders   prometheus.Counter
	orderRetries       prometheus.Counter
	flashLoans         prometheus.Counter
	flashFailed        prometheus.Counter
	settlements        prometheus.Counter
	settlementFailures prometheus.Counter
	cancellations      prometheus.Counter
	modeConflicts      prometheus.Counter
	lockTakeovers      prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:           registry,
		depositOrders:      newCounter("deposit_orders_total", "Total number of venue deposit orders submitted."),
		withdrawalOrders:   newCounter("withdrawal_orders_total", "Total number of venue withdrawal orders submitted."),
		orderRetries:       newCounter("order_retries_total", "Total number of order submission retries."),
		flashLoans:         newCounter("flash_loans_total", "Total number of flash loans taken."),
		flashFailed:        newCounter("flash_loans_failed_total", "Total number of flash loans that failed."),
		settlements:        newCounter("settlements_total", "Total number of settled flows."),
		settlementFailures: newCounter("settlement_failures_total", "Total number of flows routed to the error handler."),
		cancellations:      newCounter("order_cancellations_total", "Total number of venue orders reported cancelled."),
		modeConflicts:      newCounter("mode_conflicts_total", "Total number of mode requests rejected while another mode was held."),
		lockTakeovers:      newCounter("mode_lock_takeovers_total", "Total number of expired mode locks taken over."),
	}
	registry.MustRegister(
		p.depositOrders,
		p.withdrawalOrders,
		p.orderRetries,
		p.flashLoans,
		p.flashFailed,
		p.settlements,
		p.settlementFailures,
		p.cancellations,
		p.modeConflicts,
		p.lockTakeovers,
	)
	p.Metrics = &Metrics{
		DepositOrders:      promCounter{p.depositOrders},
		WithdrawalOrders:   promCounter{p.withdrawalOrders},
		OrderRetries:       promCounter{p.orderRetries},
		FlashLoans:         promCounter{p.flashLoans},
		FlashFailed:        promCounter{p.flashFailed},
		Settlements:        promCounter{p.settlements},
		SettlementFailures: promCounter{p.settlementFailures},
		Cancellations:      promCounter{p.cancellations},
		ModeConflicts:      promCounter{p.modeConflicts},
		LockTakeovers:      promCounter{p.lockTakeovers},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
