package strategy

import (
	"math/big"
	"time"

	"dn-yield-strategy/internal/protocol"
)

type State string

type Event string

const (
	StateIdle            State = "IDLE"
	StateAllocating      State = "ALLOCATING"
	StateWithdrawPending State = "WITHDRAW_PENDING"
	StateFlashActive     State = "FLASHLOAN_ACTIVE"
	StateDepositPending  State = "DEPOSIT_PENDING"
	StateSettling        State = "SETTLING"
)

const (
	EventAllocate          Event = "ALLOCATE"
	EventWithdrawSubmitted Event = "WITHDRAW_SUBMITTED"
	EventFlashStarted      Event = "FLASH_STARTED"
	EventDepositSubmitted  Event = "DEPOSIT_SUBMITTED"
	EventSettle            Event = "SETTLE"
	EventDone              Event = "DONE"
	EventFail              Event = "FAIL"
)

type Mode string

const (
	ModeHarvest   Mode = "harvest"
	ModeRebalance Mode = "rebalance"
	ModeEmergency Mode = "emergency"
)

func modeFor(kind protocol.TxKind) (Mode, bool) {
	switch kind {
	case protocol.TxHarvest:
		return ModeHarvest, true
	case protocol.TxRebalance:
		return ModeRebalance, true
	case protocol.TxEmergencyEnter, protocol.TxEmergencyExit:
		return ModeEmergency, true
	default:
		return "", false
	}
}

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is emitted once per flow when it settles or fails.
type Outcome struct {
	Kind     OutcomeKind
	FlowID   string
	TxKind   protocol.TxKind
	OrderKey protocol.OrderKey
	Assets   *big.Int
	Reason   FailureReason
	Err      error
	At       time.Time
}
