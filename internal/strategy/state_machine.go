package strategy

import (
	"fmt"
	"sync"
)

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

// RestoreStateMachine resumes a flow loaded from a pending operation.
func RestoreStateMachine(state State) *StateMachine {
	return &StateMachine{State: state}
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) Apply(event Event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := nextState(s.State, event)
	if !ok {
		return s.State, fmt.Errorf("%s on %s: %w", event, s.State, ErrInvalidTransition)
	}
	s.State = next
	return next, nil
}

func nextState(current State, event Event) (State, bool) {
	if event == EventFail {
		return StateIdle, true
	}
	switch current {
	case StateIdle:
		if event == EventAllocate {
			return StateAllocating, true
		}
	case StateAllocating:
		switch event {
		case EventWithdrawSubmitted:
			return StateWithdrawPending, true
		case EventFlashStarted:
			return StateFlashActive, true
		case EventSettle:
			return StateSettling, true
		}
	case StateWithdrawPending:
		if event == EventFlashStarted {
			return StateFlashActive, true
		}
	case StateFlashActive:
		switch event {
		case EventDepositSubmitted:
			return StateDepositPending, true
		case EventSettle:
			return StateSettling, true
		}
	case StateDepositPending:
		if event == EventSettle {
			return StateSettling, true
		}
	case StateSettling:
		if event == EventDone {
			return StateIdle, true
		}
	}
	return current, false
}
