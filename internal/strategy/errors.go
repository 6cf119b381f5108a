package strategy

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized caller")
	ErrInvalidConfig      = errors.New("invalid strategy config")
	ErrInProgress         = errors.New("mode already in progress")
	ErrUnknownOrder       = errors.New("unknown order key")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrZeroAmount         = errors.New("zero amount")
	ErrInvalidContractKey = errors.New("invalid contract key")
	ErrZeroAddress        = errors.New("zero address")
	ErrEmergency          = errors.New("emergency mode active")
)

type FailureReason string

const (
	ReasonCancelled             FailureReason = "cancelled"
	ReasonSettlementFailed      FailureReason = "settlement_failed"
	ReasonFlashFailed           FailureReason = "flash_failed"
	ReasonSwapFailed            FailureReason = "swap_failed"
	ReasonOrderFailed           FailureReason = "order_failed"
	ReasonInsufficientLiquidity FailureReason = "insufficient_liquidity"
)

// Failure is what a helper returns when a flow cannot complete. The caller
// routes it to the error handler instead of propagating it.
type Failure struct {
	Reason FailureReason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// fail wraps err with reason unless it already carries one.
func fail(reason FailureReason, err error) *Failure {
	if existing, ok := asFailure(err); ok {
		return existing
	}
	return &Failure{Reason: reason, Err: err}
}

func asFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
