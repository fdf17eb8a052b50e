// Package service is the reminder API used by the HTTP layer. It validates
// input, persists through the store and keeps the timer scheduler in step.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"clientpulse/internal/clock"
	"clientpulse/internal/delivery"
	"clientpulse/internal/reminder"
	"clientpulse/internal/storage"
	logx "clientpulse/pkg/logx"
)

// PastTolerance is how far in the past a new fireAt may be.
const PastTolerance = 60 * time.Second

type Config struct {
	// MaxFuture rejects fireAt beyond now+MaxFuture. 0 means unlimited.
	MaxFuture time.Duration
}

// Scheduler is the part of the timer scheduler the service drives.
type Scheduler interface {
	Register(r reminder.Reminder) bool
	Cancel(id string) bool
}

// Attempter runs a delivery attempt. *delivery.Coordinator implements it.
type Attempter interface {
	Attempt(ctx context.Context, r reminder.Reminder, trig delivery.Trigger) (delivery.Outcome, error)
}

type Service struct {
	store     storage.Store
	sched     Scheduler
	attempter Attempter
	clock     clock.Clock
	log       logx.Logger

	maxFuture atomic.Int64
}

func New(cfg Config, store storage.Store, sched Scheduler, att Attempter, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:     store,
		sched:     sched,
		attempter: att,
		clock:     clk,
		log:       log.With(logx.String("comp", "service")),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.maxFuture.Store(int64(max(cfg.MaxFuture, 0)))
}

type CreateReminderInput struct {
	ClientID string `json:"clientId"`
	FireAt   string `json:"fireAt"`
	Message  string `json:"message"`
	Repeat   string `json:"repeat"`
}

type CreateClientInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

// CreateReminder validates in, stores a scheduled reminder and registers it
// with the timer scheduler. Nothing is stored when validation fails.
func (s *Service) CreateReminder(ctx context.Context, in CreateReminderInput) (reminder.Reminder, error) {
	clientID := strings.TrimSpace(in.ClientID)
	message := strings.TrimSpace(in.Message)
	if clientID == "" {
		return reminder.Reminder{}, reminder.Validationf("clientId is required")
	}
	if strings.TrimSpace(in.FireAt) == "" {
		return reminder.Reminder{}, reminder.Validationf("fireAt is required")
	}
	if message == "" {
		return reminder.Reminder{}, reminder.Validationf("message is required")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reminder.Reminder{}, reminder.NotFoundf("client %s not found", clientID)
		}
		return reminder.Reminder{}, reminder.StoreError(err, "load client %s", clientID)
	}

	fireAt, err := s.parseFireAt(in.FireAt)
	if err != nil {
		return reminder.Reminder{}, err
	}

	repeat, ok := reminder.ParseRepeat(in.Repeat)
	if !ok {
		s.log.Warn("unknown repeat value normalized to none",
			logx.String("client_id", clientID),
			logx.String("repeat", in.Repeat),
		)
	}

	r, err := s.store.CreateReminder(ctx, storage.NewReminder{
		ClientID: clientID,
		FireAt:   fireAt,
		Message:  message,
		Repeat:   repeat,
	})
	if err != nil {
		return reminder.Reminder{}, reminder.StoreError(err, "create reminder")
	}

	s.audit(ctx, reminder.LogReminder, fmt.Sprintf("Scheduled reminder %s for client %s at %s", r.ID, client.Email, formatTime(r.FireAt)))
	armed := s.sched.Register(r)
	s.log.Info("reminder created",
		logx.String("reminder_id", r.ID),
		logx.String("client_id", clientID),
		logx.Time("fire_at", r.FireAt),
		logx.String("repeat", string(r.Repeat)),
		logx.Bool("armed", armed),
	)
	return r, nil
}

// parseFireAt accepts RFC 3339 timestamps and enforces the past tolerance and
// the optional future ceiling.
func (s *Service) parseFireAt(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, reminder.Validationf("fireAt %q is not a valid RFC 3339 timestamp", raw)
	}
	t = t.UTC()
	now := s.clock.Now()
	if t.Before(now.Add(-PastTolerance)) {
		return time.Time{}, reminder.Validationf("fireAt %s is in the past", formatTime(t))
	}
	if mf := time.Duration(s.maxFuture.Load()); mf > 0 && t.After(now.Add(mf)) {
		return time.Time{}, reminder.Validationf("fireAt %s is more than %s ahead", formatTime(t), mf)
	}
	return t, nil
}

// RunNow delivers a reminder immediately, bypassing its schedule.
func (s *Service) RunNow(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return reminder.Validationf("reminderId is required")
	}
	r, err := s.getReminder(ctx, id)
	if err != nil {
		return err
	}
	out, err := s.attempter.Attempt(ctx, r, delivery.TriggerManual)
	switch out {
	case delivery.OutcomeSent, delivery.OutcomeFailed, delivery.OutcomeClientMissing:
		// Terminal now; an armed wake-up would only be skipped later.
		s.sched.Cancel(id)
	}
	s.log.Info("run now", logx.String("reminder_id", id), logx.String("outcome", string(out)), logx.Err(err))
	return err
}

func (s *Service) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	list, err := s.store.ListReminders(ctx)
	if err != nil {
		return nil, reminder.StoreError(err, "list reminders")
	}
	return list, nil
}

func (s *Service) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	return s.getReminder(ctx, id)
}

// CancelReminder disarms and cancels a scheduled or failed reminder.
func (s *Service) CancelReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	r, err := s.getReminder(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if r.Status != reminder.StatusScheduled && r.Status != reminder.StatusFailed {
		return reminder.Reminder{}, reminder.Conflictf("reminder %s is %s", id, r.Status)
	}

	s.sched.Cancel(id)
	cancelled := reminder.StatusCancelled
	updated, err := s.store.UpdateReminderIf(ctx, id, storage.Expect{Status: r.Status, FireAt: r.FireAt}, storage.Patch{Status: &cancelled})
	if err != nil {
		// Whatever changed the record may need its wake-up back.
		if cur, gerr := s.store.GetReminder(ctx, id); gerr == nil {
			s.sched.Register(cur)
		}
		if errors.Is(err, storage.ErrConflict) {
			return reminder.Reminder{}, reminder.Conflictf("reminder %s changed concurrently", id)
		}
		return reminder.Reminder{}, reminder.StoreError(err, "cancel reminder %s", id)
	}
	s.audit(ctx, reminder.LogReminder, fmt.Sprintf("Cancelled reminder %s", id))
	s.log.Info("reminder cancelled", logx.String("reminder_id", id))
	return updated, nil
}

// Reschedule moves a scheduled or failed reminder to a new fireAt and makes it
// scheduled again.
func (s *Service) Reschedule(ctx context.Context, id, fireAt string) (reminder.Reminder, error) {
	if strings.TrimSpace(fireAt) == "" {
		return reminder.Reminder{}, reminder.Validationf("fireAt is required")
	}
	r, err := s.getReminder(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if r.Status != reminder.StatusScheduled && r.Status != reminder.StatusFailed {
		return reminder.Reminder{}, reminder.Conflictf("reminder %s is %s", id, r.Status)
	}
	at, err := s.parseFireAt(fireAt)
	if err != nil {
		return reminder.Reminder{}, err
	}

	s.sched.Cancel(id)
	scheduled := reminder.StatusScheduled
	updated, err := s.store.UpdateReminderIf(ctx, id, storage.Expect{Status: r.Status, FireAt: r.FireAt}, storage.Patch{FireAt: &at, Status: &scheduled})
	if err != nil {
		if cur, gerr := s.store.GetReminder(ctx, id); gerr == nil {
			s.sched.Register(cur)
		}
		if errors.Is(err, storage.ErrConflict) {
			return reminder.Reminder{}, reminder.Conflictf("reminder %s changed concurrently", id)
		}
		return reminder.Reminder{}, reminder.StoreError(err, "reschedule reminder %s", id)
	}
	s.sched.Register(updated)
	s.audit(ctx, reminder.LogReminder, fmt.Sprintf("Rescheduled %s to %s", id, formatTime(updated.FireAt)))
	return updated, nil
}

func (s *Service) CreateClient(ctx context.Context, in CreateClientInput) (reminder.Client, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return reminder.Client{}, reminder.Validationf("name is required")
	}
	c, err := s.store.CreateClient(ctx, storage.NewClient{
		Name:  name,
		Email: strings.TrimSpace(in.Email),
		Phone: strings.TrimSpace(in.Phone),
		Notes: in.Notes,
	})
	if err != nil {
		return reminder.Client{}, reminder.StoreError(err, "create client")
	}
	return c, nil
}

func (s *Service) ListClients(ctx context.Context) ([]reminder.Client, error) {
	list, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, reminder.StoreError(err, "list clients")
	}
	return list, nil
}

// ListLogs returns audit entries newest first. limit <= 0 uses the store default.
func (s *Service) ListLogs(ctx context.Context, limit int) ([]reminder.LogEntry, error) {
	list, err := s.store.ListLogs(ctx, limit)
	if err != nil {
		return nil, reminder.StoreError(err, "list logs")
	}
	return list, nil
}

func (s *Service) Export(ctx context.Context) (storage.Export, error) {
	out, err := s.store.Export(ctx)
	if err != nil {
		return storage.Export{}, reminder.StoreError(err, "export")
	}
	return out, nil
}

func (s *Service) getReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reminder.Reminder{}, reminder.NotFoundf("reminder %s not found", id)
		}
		return reminder.Reminder{}, reminder.StoreError(err, "load reminder %s", id)
	}
	return r, nil
}

func (s *Service) audit(ctx context.Context, typ reminder.LogType, detail string) {
	if err := s.store.AppendLog(ctx, reminder.LogEntry{Type: typ, Detail: detail}); err != nil {
		s.log.Warn("audit append failed", logx.String("detail", detail), logx.Err(err))
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }
