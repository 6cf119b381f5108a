package strategy

import (
	"context"
	"fmt"

	"dn-yield-strategy/internal/state"

	"go.uber.org/zap"
)

// acquireMode takes the strategy-wide mode lock for flowID. A lock older than
// ModeTimeout is treated as abandoned and taken over.
func (s *Strategy) acquireMode(ctx context.Context, mode Mode, flowID string) error {
	now := s.now()
	if held := s.meta.Lock; held != nil {
		age := now.Sub(held.AcquiredAt())
		if age < s.params.ModeTimeout {
			s.metrics.ModeConflicts.Inc()
			return fmt.Errorf("%s blocked by %s (flow %s): %w", mode, held.Mode, held.FlowID, ErrInProgress)
		}
		s.metrics.LockTakeovers.Inc()
		s.log.Warn("mode lock expired, taking over",
			zap.String("held_mode", held.Mode),
			zap.String("held_flow_id", held.FlowID),
			zap.Duration("age", age),
			zap.String("mode", string(mode)),
		)
	}
	prev := s.meta.Lock
	s.meta.Lock = &state.ModeLock{Mode: string(mode), FlowID: flowID, AcquiredAtMS: now.UnixMilli()}
	if err := s.saveMeta(ctx); err != nil {
		s.meta.Lock = prev
		return fmt.Errorf("persist mode lock: %w", err)
	}
	return nil
}

// releaseMode drops the lock if flowID still holds it.
func (s *Strategy) releaseMode(ctx context.Context, flowID string) {
	held := s.meta.Lock
	if held == nil || held.FlowID != flowID {
		return
	}
	s.meta.Lock = nil
	if err := s.saveMeta(ctx); err != nil {
		s.log.Warn("persist mode release failed", zap.String("flow_id", flowID), zap.Error(err))
	}
}

// ModeLock returns a copy of the current lock, if any.
func (s *Strategy) ModeLock() (state.ModeLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Lock == nil {
		return state.ModeLock{}, false
	}
	return *s.meta.Lock, true
}
