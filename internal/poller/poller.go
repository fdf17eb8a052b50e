// Package poller periodically reconciles stored reminders with the timer
// scheduler so reminders beyond the look-ahead horizon, or missed during a
// restart, get armed.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"clientpulse/internal/clock"
	"clientpulse/internal/eventbus"
	"clientpulse/internal/reminder"
	logx "clientpulse/pkg/logx"
)

const (
	DefaultInterval  = 20 * time.Second
	MinInterval      = 5 * time.Second
	MaxInterval      = 5 * time.Minute
	DefaultDueWindow = 60 * time.Second
	DefaultHorizon   = 24 * time.Hour
)

// ErrScanInProgress is returned by ScanNow while another scan runs.
var ErrScanInProgress = errors.New("poller: scan already in progress")

type Config struct {
	Interval  time.Duration
	DueWindow time.Duration
	Horizon   time.Duration
	// CatchUp arms reminders that are overdue by more than DueWindow, so
	// reminders missed while the process was down still go out. When false,
	// such reminders are left untouched and stay scheduled until a manual
	// run-now or reschedule.
	CatchUp bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	c.Interval = min(max(c.Interval, MinInterval), MaxInterval)
	if c.DueWindow <= 0 {
		c.DueWindow = DefaultDueWindow
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	return c
}

type Lister interface {
	ListScheduled(ctx context.Context) ([]reminder.Reminder, error)
}

// Registrar arms wake-ups. *scheduler.Service implements it.
type Registrar interface {
	Register(r reminder.Reminder) bool
}

// ScanReport summarizes one reconciliation pass.
type ScanReport struct {
	At         time.Time     `json:"at"`
	Scanned    int           `json:"scanned"`
	Due        int           `json:"due"`
	Upcoming   int           `json:"upcoming"`
	Overdue    int           `json:"overdue"`
	Far        int           `json:"far"`
	Registered int           `json:"registered"`
	Took       time.Duration `json:"took"`
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	ctx   context.Context
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	store Lister
	reg   Registrar

	running atomic.Bool
	last    atomic.Pointer[ScanReport]
}

func New(cfg Config, store Lister, reg Registrar, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		clock: clk,
		log:   log.With(logx.String("comp", "poller")),
		bus:   bus,
		store: store,
		reg:   reg,
	}
}

// Start runs one scan immediately, then one every Interval until Stop or ctx
// ends. Ticks that find a scan still running are skipped.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.startCronLocked()
	s.mu.Unlock()

	if _, err := s.ScanNow(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
		s.log.Warn("startup scan failed", logx.Err(err))
	}
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()
}

func (s *Service) startCronLocked() {
	clog := cronLogger{log: s.log}
	s.c = cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	s.c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(s.tick))
	s.c.Start()
	s.log.Info("poller started", logx.Duration("interval", s.cfg.Interval), logx.Duration("horizon", s.cfg.Horizon), logx.Bool("catch_up", s.cfg.CatchUp))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("poller stopped")
}

// Apply swaps the configuration. A changed interval restarts the cadence.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c := s.c
	if c == nil || old.Interval == cfg.Interval {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.mu.Unlock()

	// A running tick takes mu, so wait for it outside the lock.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.startCronLocked()
	}
}

// Last returns the most recent scan report, if any.
func (s *Service) Last() (ScanReport, bool) {
	if p := s.last.Load(); p != nil {
		return *p, true
	}
	return ScanReport{}, false
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.ctx
	interval := s.cfg.Interval
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	if _, err := s.ScanNow(sctx); err != nil {
		if errors.Is(err, ErrScanInProgress) {
			s.log.Debug("scan skipped, previous still running")
			return
		}
		s.log.Warn("scan failed", logx.Err(err))
	}
}

// ScanNow runs one reconciliation pass. It never waits for a running scan.
func (s *Service) ScanNow(ctx context.Context) (ScanReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return ScanReport{}, ErrScanInProgress
	}
	defer s.running.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := s.clock.Now()
	list, err := s.store.ListScheduled(ctx)
	if err != nil {
		return ScanReport{}, err
	}

	rep := ScanReport{At: start, Scanned: len(list)}
	now := s.clock.Now()
	for _, r := range list {
		d := r.FireAt.Sub(now)
		arm := false
		switch {
		case d < -cfg.DueWindow:
			rep.Overdue++
			arm = cfg.CatchUp
		case d <= cfg.DueWindow:
			rep.Due++
			arm = true
		case d < cfg.Horizon:
			rep.Upcoming++
			arm = true
		default:
			rep.Far++
		}
		if arm && s.reg.Register(r) {
			rep.Registered++
		}
	}
	rep.Took = s.clock.Since(start)
	s.last.Store(&rep)

	s.log.Debug("scan completed",
		logx.Int("scanned", rep.Scanned),
		logx.Int("due", rep.Due),
		logx.Int("upcoming", rep.Upcoming),
		logx.Int("overdue", rep.Overdue),
		logx.Int("far", rep.Far),
		logx.Int("registered", rep.Registered),
		logx.Duration("took", rep.Took),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScanCompleted, Time: now, Data: rep})
	return rep, nil
}

// cronLogger routes robfig/cron diagnostics through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
