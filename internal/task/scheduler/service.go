package scheduler

import (
	"context"
	"sort"
	"time"

	"clientpulse/internal/clock"
	"clientpulse/internal/eventbus"
	"clientpulse/internal/reminder"
	"clientpulse/internal/task/engine"
	logx "clientpulse/pkg/logx"
)

func New(cfg Config, clk clock.Clock, eng Enqueuer, fire FireFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		clock:       clk,
		log:         log,
		bus:         bus,
		engine:      eng,
		fire:        fire,
		regs:        map[string]*registration{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Apply updates the horizon and fire timeout. Armed wake-ups are kept; the
// next poll re-evaluates them against the new horizon.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// TaskName is the engine task name used for a reminder's fire. Overlap
// gating on this name keeps two fires of one reminder from running together.
func TaskName(id string) string { return "reminder:" + id }

// Register arms a wake-up for r when it is scheduled and due within the
// horizon. Any previous registration for r.ID is stopped first, so the latest
// call wins. Overdue reminders arm with zero delay. It reports whether a
// wake-up is armed after the call.
func (s *Service) Register(r reminder.Reminder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.cancelLocked(r.ID)

	if r.Status != reminder.StatusScheduled {
		return false
	}
	delay := s.clock.Until(r.FireAt)
	if delay >= s.cfg.Horizon {
		return false
	}
	delay = max(delay, 0)

	s.seq++
	reg := &registration{snapshot: r, version: s.seq}
	id, version := r.ID, reg.version
	reg.timer = s.clock.AfterFunc(delay, func() { s.wake(id, version) })
	s.regs[id] = reg

	s.log.Debug("wake-up armed", logx.String("reminder_id", id), logx.Time("fire_at", r.FireAt), logx.Duration("delay", delay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerArmed, Time: s.clock.Now(), ReminderID: id, Data: r.FireAt})
	return true
}

// Cancel removes an armed wake-up. It reports whether one was armed.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

func (s *Service) cancelLocked(id string) bool {
	reg, ok := s.regs[id]
	if !ok {
		return false
	}
	reg.timer.Stop()
	delete(s.regs, id)
	return true
}

// Armed returns the fire time of the armed wake-up for id.
func (s *Service) Armed(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return time.Time{}, false
	}
	return reg.snapshot.FireAt, true
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Snapshot lists armed wake-ups ordered by fire time.
func (s *Service) Snapshot() []Armed {
	s.mu.Lock()
	out := make([]Armed, 0, len(s.regs))
	for id, reg := range s.regs {
		out = append(out, Armed{ReminderID: id, FireAt: reg.snapshot.FireAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ReminderID < out[j].ReminderID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Shutdown stops every armed wake-up and refuses further registrations.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, reg := range s.regs {
		reg.timer.Stop()
		delete(s.regs, id)
	}
	s.log.Info("scheduler stopped")
}

// wake runs on the timer goroutine. Stale callbacks (cancelled or replaced
// registrations) are ignored. The registration is removed before the fire
// task is enqueued, whatever its outcome.
func (s *Service) wake(id string, version uint64) {
	s.mu.Lock()
	reg, ok := s.regs[id]
	if !ok || reg.version != version || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.regs, id)
	timeout := s.cfg.FireTimeout
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerFired, Time: s.clock.Now(), ReminderID: id})

	if s.engine == nil || s.fire == nil {
		return
	}
	snap := reg.snapshot
	err := s.engine.Enqueue(engine.Task{
		Name:    TaskName(id),
		Timeout: timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run:     func(ctx context.Context) error { return s.fire(ctx, snap) },
	})
	if err != nil {
		s.reportEnqueueError(id, err)
	}
}
