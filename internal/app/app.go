// Package app wires the reminder engine together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"clientpulse/internal/alert/telegram"
	"clientpulse/internal/clock"
	"clientpulse/internal/config"
	"clientpulse/internal/delivery"
	"clientpulse/internal/eventbus"
	"clientpulse/internal/gateway"
	"clientpulse/internal/httpapi"
	"clientpulse/internal/poller"
	"clientpulse/internal/reminder"
	"clientpulse/internal/runtime/supervisor"
	"clientpulse/internal/service"
	"clientpulse/internal/storage"
	"clientpulse/internal/task/engine"
	"clientpulse/internal/task/scheduler"
	logx "clientpulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clock.Clock
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	coord  *delivery.Coordinator
	poll   *poller.Service
	svc    *service.Service
	http   *httpapi.Server

	startedAt time.Time
}

// New loads the configuration and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	var sender logx.AlertSender
	if s.Logging.Alert.Enabled {
		tg, err := telegram.New(s.Telegram)
		if err != nil {
			return nil, fmt.Errorf("alert.telegram: %w", err)
		}
		sender = tg
	}
	logSvc, root := logx.New(s.Logging, sender)
	log := root.With(logx.String("comp", "app"))

	clk := clock.Real()
	bus := eventbus.New()

	store, err := storage.Open(ctx, s.Storage, clk, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	gw, err := gateway.Open(s.Gateway, root)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	eng := engine.New(s.Engine, root.With(logx.String("comp", "taskengine")), bus)

	// The scheduler fires through the coordinator, and the coordinator re-arms
	// recurring reminders through the scheduler.
	var coord *delivery.Coordinator
	sched := scheduler.New(s.Scheduler, clk, eng, func(ctx context.Context, r reminder.Reminder) error {
		return coord.Fire(ctx, r)
	}, root.With(logx.String("comp", "scheduler")), bus)
	coord = delivery.New(s.Delivery, store, gw, clk, root, bus,
		delivery.WithOnRescheduled(func(r reminder.Reminder) { sched.Register(r) }))

	poll := poller.New(s.Poller, store, sched, clk, root, bus)
	svc := service.New(s.Service, store, sched, coord, clk, root)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		clock:  clk,
		store:  store,
		engine: eng,
		sched:  sched,
		coord:  coord,
		poll:   poll,
		svc:    svc,
	}
	api := httpapi.NewAPI(svc, a.health, root)
	a.http = httpapi.NewServer(s.HTTP, api.Handler, root)

	log.Info("app configured",
		logx.String("config", cfgm.Path()),
		logx.String("storage", s.Storage.Driver),
		logx.String("gateway", firstNonEmpty(s.Gateway.Driver, "log")),
		logx.Bool("alerts", sender != nil),
	)
	return a, nil
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start checks the store, binds the listener, then arms due reminders and
// starts the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.startedAt = a.clock.Now()
	runCtx := a.sup.Context()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, 5*time.Second)
		defer cancel()
		if err := a.store.Ping(pctx); err != nil {
			return fmt.Errorf("storage ping: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.http.Start(gctx) })
	if err := g.Wait(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		a.http.Stop(stopCtx)
		cancel()
		a.sup.Cancel()
		return err
	}

	// Workers must exist before the startup scan arms anything already due.
	a.engine.Start(runCtx)
	a.poll.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if e.ReminderID != "" {
				fields = append(fields, logx.String("reminder_id", e.ReminderID))
			}
			switch e.Type {
			case eventbus.TypeAnomaly, eventbus.TypeTaskDropped:
				a.log.Warn("event", fields...)
			case eventbus.TypeScanCompleted, eventbus.TypeTimerArmed:
				a.log.Trace("event", fields...)
			default:
				a.log.Debug("event", fields...)
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components.
// Sections without a live Apply are reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := mapConfig(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(s.Logging)
	a.sched.Apply(s.Scheduler)
	a.poll.Apply(s.Poller)
	a.coord.Apply(s.Delivery)
	a.svc.Apply(s.Service)
	if err := a.http.Reconfigure(ctx, s.HTTP); err != nil {
		a.log.Error("http reconfigure failed", logx.Err(err))
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: a.clock.Now(), Data: sections})
}

func (a *App) health(ctx context.Context) httpapi.Health {
	h := httpapi.Health{Status: "ok", Checks: map[string]any{}}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.Ping(pctx); err != nil {
		h.Status = "degraded"
		h.Checks["store"] = err.Error()
	} else {
		h.Checks["store"] = "ok"
	}

	es := a.engine.Snapshot()
	es.History = nil
	if !es.Running {
		h.Status = "degraded"
	}
	h.Checks["engine"] = es
	h.Checks["armed"] = a.sched.Len()
	if last, ok := a.poll.Last(); ok {
		h.Checks["lastScan"] = last
	}
	if a.sup != nil {
		h.Checks["goroutines"] = a.sup.Counters()
		h.Checks["uptime"] = a.clock.Since(a.startedAt).Round(time.Second).String()
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// HTTP first so no new reminders are accepted, then the fire path from the
	// trigger inward.
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "poller", time.Second, func(c context.Context) error { a.poll.Stop(c); return nil })
	a.step(ctx, "scheduler", time.Second, func(context.Context) error { a.sched.Shutdown(); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() error {
	err := a.store.Close()
	return errors.Join(err, a.logs.Close())
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
