package session

import (
	"context"
	"errors"

	"github.com/marko911/counter-pulse/internal/contract"
)

// SyncCounter reads the counter through the current binding. On success the
// observed value is replaced; on failure it is kept and ErrReadFailed is
// surfaced. The counter is never changed any other way.
//
// A read whose binding is no longer current when it returns is discarded
// with ErrSuperseded, whatever its outcome; the new session syncs on its
// own.
//
// It runs after a session is installed and after each confirmed write.
func (m *Manager) SyncCounter(ctx context.Context) error {
	m.mu.Lock()
	binding := m.state.Binding
	m.mu.Unlock()

	if binding == nil {
		return ErrNotConnected
	}

	value, err := binding.GetCounter(ctx)
	if err != nil {
		if errors.Is(err, contract.ErrRevoked) {
			return ErrSuperseded
		}
		opErr := &OpError{Kind: ErrReadFailed, Message: msgCounterReadFailed, Err: err}
		_, current := m.commit(CauseReadFailed, func(s *State) bool {
			if s.Binding != binding {
				return false
			}
			s.Err = opErr
			return true
		})
		if !current {
			m.logger.Debug("discarding counter read failure from a superseded session", "error", err)
			return ErrSuperseded
		}
		m.logger.Warn("operation failed",
			"kind", opErr.KindName(),
			"message", opErr.Message,
			"error", err,
		)
		return opErr
	}

	synced, current := m.commit(CauseCounterSynced, func(s *State) bool {
		if s.Binding != binding {
			return false
		}
		s.Counter = value
		s.CounterSynced = true
		s.SyncedAt = m.now()
		return true
	})
	if !current {
		m.logger.Debug("discarding counter read from a superseded session", "value", value.String())
		return ErrSuperseded
	}
	m.logger.Debug("counter synced", "value", synced.Counter.String())
	return nil
}
