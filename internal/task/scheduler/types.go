package scheduler

import (
	"context"
	"sync"
	"time"

	"clientpulse/internal/clock"
	"clientpulse/internal/eventbus"
	"clientpulse/internal/reminder"
	"clientpulse/internal/task/engine"
	logx "clientpulse/pkg/logx"
)

const DefaultHorizon = 24 * time.Hour

type Config struct {
	// Horizon is the look-ahead window; reminders further out are left to the poller.
	Horizon time.Duration
	// FireTimeout bounds one fire task (store reads, send and state update).
	FireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	return c
}

// Enqueuer accepts fire tasks. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// FireFunc delivers one armed reminder. r is the snapshot taken at
// registration time; implementations re-read the authoritative record.
type FireFunc func(ctx context.Context, r reminder.Reminder) error

type registration struct {
	snapshot reminder.Reminder
	timer    clock.Timer
	version  uint64
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	engine Enqueuer
	fire   FireFunc

	regs   map[string]*registration
	seq    uint64
	closed bool

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Armed describes one armed wake-up.
type Armed struct {
	ReminderID string    `json:"reminderId"`
	FireAt     time.Time `json:"fireAt"`
}
