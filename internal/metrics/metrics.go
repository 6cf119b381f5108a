package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	DepositOrders      Counter
	WithdrawalOrders   Counter
	OrderRetries       Counter
	FlashLoans         Counter
	FlashFailed        Counter
	Settlements        Counter
	SettlementFailures Counter
	Cancellations      Counter
	ModeConflicts      Counter
	LockTakeovers      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		DepositOrders:      n,
		WithdrawalOrders:   n,
		OrderRetries:       n,
		FlashLoans:         n,
		FlashFailed:        n,
		Settlements:        n,
		SettlementFailures: n,
		Cancellations:      n,
		ModeConflicts:      n,
		LockTakeovers:      n,
	}
}
