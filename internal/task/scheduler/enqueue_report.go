package scheduler

import (
	"errors"
	"time"

	"clientpulse/internal/task/engine"
	logx "clientpulse/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed hand-off to the engine. The reminder stays
// scheduled in the store, so the next poll re-arms it.
func (s *Service) reportEnqueueError(id string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire skipped: already running", logx.String("reminder_id", id))
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	for k, t := range s.lastEnqWarn {
		if now.Sub(t) >= enqueueWarnThrottle {
			delete(s.lastEnqWarn, k)
		}
	}
	s.enqMu.Unlock()

	s.log.Warn("failed to enqueue fire task", logx.String("reminder_id", id), logx.Err(err))
}
