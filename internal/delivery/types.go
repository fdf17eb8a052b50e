// Package delivery owns the only code path that sends a reminder and mutates
// its state.
package delivery

import (
	"time"

	"clientpulse/internal/reminder"
)

const DefaultSendTimeout = 15 * time.Second

// Trigger says who asked for an attempt.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// Outcome is the result of one Attempt.
type Outcome string

const (
	// OutcomeSkipped: the reminder changed since it was armed; nothing done.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSent: one-shot reminder delivered and now terminal.
	OutcomeSent Outcome = "sent"
	// OutcomeRescheduled: recurring reminder delivered and moved forward.
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeFailed: the gateway rejected the message.
	OutcomeFailed Outcome = "failed"
	// OutcomeClientMissing: the client no longer exists.
	OutcomeClientMissing Outcome = "client_missing"
	// OutcomeAborted: a store read failed before anything was sent. Safe to retry.
	OutcomeAborted Outcome = "aborted"
)

type Config struct {
	SendTimeout time.Duration
	// AuditTimeout bounds one audit log append.
	AuditTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = 5 * time.Second
	}
	return c
}

// Result is published on the event bus after each attempt.
type Result struct {
	Outcome   Outcome
	Trigger   Trigger
	ClientID  string
	Reminder  reminder.Reminder
	MessageID string
	Err       error
}
