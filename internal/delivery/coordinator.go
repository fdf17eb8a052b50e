package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"clientpulse/internal/clock"
	"clientpulse/internal/eventbus"
	"clientpulse/internal/gateway"
	"clientpulse/internal/reminder"
	"clientpulse/internal/storage"
	"clientpulse/internal/task/engine"
	logx "clientpulse/pkg/logx"
)

type Coordinator struct {
	store storage.Store
	gw    gateway.Gateway
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	audit auditor

	sendTimeout  atomic.Int64
	auditTimeout atomic.Int64

	group         singleflight.Group
	onRescheduled func(reminder.Reminder)
}

type Option func(*Coordinator)

// WithOnRescheduled sets the hook that receives a recurring reminder after its
// fireAt moved forward. The scheduler uses it to arm the next occurrence.
func WithOnRescheduled(fn func(reminder.Reminder)) Option {
	return func(c *Coordinator) { c.onRescheduled = fn }
}

func New(cfg Config, store storage.Store, gw gateway.Gateway, clk clock.Clock, log logx.Logger, bus eventbus.Bus, opts ...Option) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	c := &Coordinator{
		store: store,
		gw:    gw,
		clock: clk,
		log:   log.With(logx.String("comp", "delivery")),
		bus:   bus,
	}
	c.Apply(cfg)
	c.audit = auditor{
		store:   store,
		log:     c.log,
		timeout: func() time.Duration { return time.Duration(c.auditTimeout.Load()) },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply updates timeouts. Attempts already in flight keep their deadline.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.sendTimeout.Store(int64(cfg.SendTimeout))
	c.auditTimeout.Store(int64(cfg.AuditTimeout))
}

type attemptResult struct {
	outcome Outcome
	err     error
	shared  bool
}

// Attempt delivers r once. Concurrent attempts for the same id in this
// process share one execution and its result, except that a manual attempt
// never settles for a skip produced by a stale timer attempt.
//
// r is the caller's snapshot; the stored record is re-read before deciding.
// A timer attempt whose snapshot no longer matches the stored status and
// fireAt is skipped. A manual attempt is allowed for scheduled and failed
// reminders only.
func (c *Coordinator) Attempt(ctx context.Context, r reminder.Reminder, trig Trigger) (Outcome, error) {
	res := c.do(ctx, r, trig)
	// A manual caller that joined a stale timer attempt got the timer's
	// silent skip. Run again on its own behalf.
	if trig == TriggerManual && res.shared && res.outcome == OutcomeSkipped && res.err == nil {
		res = c.do(ctx, r, trig)
	}
	return res.outcome, res.err
}

func (c *Coordinator) do(ctx context.Context, r reminder.Reminder, trig Trigger) attemptResult {
	v, _, shared := c.group.Do(r.ID, func() (any, error) {
		out, err := c.attempt(ctx, r, trig)
		return attemptResult{outcome: out, err: err}, nil
	})
	res := v.(attemptResult)
	res.shared = shared
	return res
}

// Fire is the scheduler's FireFunc. Only failures that happened before
// anything was sent are left retryable.
func (c *Coordinator) Fire(ctx context.Context, r reminder.Reminder) error {
	out, err := c.Attempt(ctx, r, TriggerTimer)
	if err == nil {
		return nil
	}
	if out == OutcomeAborted {
		return err
	}
	return engine.NoRetry(err)
}

func (c *Coordinator) attempt(ctx context.Context, snap reminder.Reminder, trig Trigger) (Outcome, error) {
	log := c.log.With(logx.String("reminder_id", snap.ID), logx.String("trigger", string(trig)))

	cur, err := c.store.GetReminder(ctx, snap.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if trig == TriggerTimer {
				c.publish(Result{Outcome: OutcomeSkipped, Trigger: trig, Reminder: snap})
				return OutcomeSkipped, nil
			}
			return OutcomeSkipped, reminder.NotFoundf("reminder %s not found", snap.ID)
		}
		log.Warn("reminder re-fetch failed", logx.Err(err))
		return OutcomeAborted, reminder.StoreError(err, "load reminder %s", snap.ID)
	}

	switch trig {
	case TriggerManual:
		if cur.Status != reminder.StatusScheduled && cur.Status != reminder.StatusFailed {
			return OutcomeSkipped, reminder.Conflictf("reminder %s is %s", cur.ID, cur.Status)
		}
	default:
		if cur.Status != reminder.StatusScheduled || !cur.FireAt.Equal(snap.FireAt) {
			log.Debug("stale fire skipped",
				logx.String("status", string(cur.Status)),
				logx.Time("armed_fire_at", snap.FireAt),
				logx.Time("fire_at", cur.FireAt),
			)
			c.publish(Result{Outcome: OutcomeSkipped, Trigger: trig, Reminder: cur, ClientID: cur.ClientID})
			return OutcomeSkipped, nil
		}
	}
	exp := storage.Expect{Status: cur.Status, FireAt: cur.FireAt}
	log = log.With(logx.String("client_id", cur.ClientID))

	client, err := c.store.GetClient(ctx, cur.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.clientMissing(ctx, log, cur, exp, trig)
		}
		log.Warn("client lookup failed", logx.Err(err))
		return OutcomeAborted, reminder.StoreError(err, "load client %s", cur.ClientID)
	}

	subject, body := reminder.Compose(client, cur)
	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(c.sendTimeout.Load()))
	receipt, sendErr := c.gw.Send(sendCtx, gateway.Message{
		ReminderID: cur.ID,
		ToName:     client.Name,
		ToEmail:    client.Email,
		ToPhone:    client.Phone,
		Subject:    subject,
		Body:       body,
	})
	cancel()

	if sendErr != nil {
		return c.sendFailed(ctx, log, cur, client, exp, trig, sendErr)
	}
	return c.sendSucceeded(ctx, log, cur, client, exp, trig, receipt)
}

func (c *Coordinator) clientMissing(ctx context.Context, log logx.Logger, cur reminder.Reminder, exp storage.Expect, trig Trigger) (Outcome, error) {
	failed := reminder.StatusFailed
	if _, err := c.updateIf(ctx, cur.ID, exp, storage.Patch{Status: &failed}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Info("reminder changed while resolving missing client")
		} else {
			log.Error("mark failed after missing client", logx.Err(err))
		}
	}
	log.Warn("client missing")
	c.audit.record(ctx, reminder.LogError, fmt.Sprintf("Client missing for reminder %s", cur.ID))
	err := reminder.NotFoundf("client %s for reminder %s not found", cur.ClientID, cur.ID)
	c.publish(Result{Outcome: OutcomeClientMissing, Trigger: trig, Reminder: cur, ClientID: cur.ClientID, Err: err})
	return OutcomeClientMissing, err
}

func (c *Coordinator) sendFailed(ctx context.Context, log logx.Logger, cur reminder.Reminder, client reminder.Client, exp storage.Expect, trig Trigger, sendErr error) (Outcome, error) {
	failed := reminder.StatusFailed
	if _, err := c.updateIf(ctx, cur.ID, exp, storage.Patch{Status: &failed}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Info("reminder changed during failed send")
		} else {
			log.Error("mark failed after send error", logx.Err(err))
		}
	}
	log.Warn("reminder send failed", logx.Err(sendErr))
	c.audit.record(ctx, reminder.LogSend, fmt.Sprintf("Failed to send %s to %s: %v", cur.ID, client.Email, sendErr))
	err := reminder.DeliveryError(sendErr, "send reminder %s", cur.ID)
	c.publish(Result{Outcome: OutcomeFailed, Trigger: trig, Reminder: cur, ClientID: cur.ClientID, Err: err})
	return OutcomeFailed, err
}

func (c *Coordinator) sendSucceeded(ctx context.Context, log logx.Logger, cur reminder.Reminder, client reminder.Client, exp storage.Expect, trig Trigger, receipt gateway.Receipt) (Outcome, error) {
	now := c.clock.Now()
	patch := storage.Patch{LastSentAt: &now}
	outcome := OutcomeSent

	next, recurring := reminder.Next(cur.FireAt, cur.Repeat)
	if recurring {
		scheduled := reminder.StatusScheduled
		patch.FireAt = &next
		patch.Status = &scheduled
		outcome = OutcomeRescheduled
	} else {
		sent := reminder.StatusSent
		patch.Status = &sent
	}

	updated, err := c.updateIf(ctx, cur.ID, exp, patch)
	if err != nil {
		reason := "store update failed after send"
		if errors.Is(err, storage.ErrConflict) {
			reason = "reminder changed concurrently after send"
		}
		log.Error("delivery.anomaly",
			logx.String("reason", reason),
			logx.String("message_id", receipt.MessageID),
			logx.Err(err),
		)
		c.bus.Publish(eventbus.Event{
			Type:       eventbus.TypeAnomaly,
			Time:       c.clock.Now(),
			ReminderID: cur.ID,
			Data:       Result{Outcome: outcome, Trigger: trig, Reminder: cur, ClientID: cur.ClientID, MessageID: receipt.MessageID, Err: err},
		})
		c.audit.record(ctx, reminder.LogSend, fmt.Sprintf("Sent reminder %s to %s", cur.ID, client.Email))
		return outcome, reminder.StoreError(err, "%s: reminder %s client %s", reason, cur.ID, cur.ClientID)
	}

	if recurring {
		c.audit.record(ctx, reminder.LogReminder, fmt.Sprintf("Rescheduled %s to %s", cur.ID, next.UTC().Format(time.RFC3339)))
	}
	c.audit.record(ctx, reminder.LogSend, fmt.Sprintf("Sent reminder %s to %s", cur.ID, client.Email))
	log.Info("reminder sent",
		logx.String("outcome", string(outcome)),
		logx.String("provider", receipt.Provider),
		logx.String("message_id", receipt.MessageID),
	)
	c.publish(Result{Outcome: outcome, Trigger: trig, Reminder: updated, ClientID: cur.ClientID, MessageID: receipt.MessageID})

	if recurring && c.onRescheduled != nil {
		c.onRescheduled(updated)
	}
	return outcome, nil
}

// updateIf records the outcome of an attempt. The write runs on a detached
// context: a caller whose deadline ran out during the send still gets its
// terminal status stored.
func (c *Coordinator) updateIf(ctx context.Context, id string, exp storage.Expect, p storage.Patch) (reminder.Reminder, error) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(c.auditTimeout.Load()))
	defer cancel()
	return c.store.UpdateReminderIf(uctx, id, exp, p)
}

func (c *Coordinator) publish(res Result) {
	typ := eventbus.TypeDeliverySent
	switch res.Outcome {
	case OutcomeSkipped:
		typ = eventbus.TypeDeliverySkip
	case OutcomeFailed, OutcomeClientMissing:
		typ = eventbus.TypeDeliveryFailed
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.clock.Now(), ReminderID: res.Reminder.ID, Data: res})
}
