// Package reminder holds the domain types shared by the scheduling engine,
// the stores and the HTTP surface.
package reminder

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a Reminder.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the engine will never fire a reminder in this state.
func (s Status) Terminal() bool { return s != StatusScheduled }

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Repeat is the recurrence policy of a Reminder.
type Repeat string

const (
	RepeatNone   Repeat = "none"
	RepeatDaily  Repeat = "daily"
	RepeatWeekly Repeat = "weekly"
)

// ParseRepeat normalizes a raw repeat value. Unrecognized values map to
// RepeatNone with ok=false so callers can log the normalization.
func ParseRepeat(raw string) (r Repeat, ok bool) {
	switch Repeat(strings.ToLower(strings.TrimSpace(raw))) {
	case RepeatNone, "":
		return RepeatNone, true
	case RepeatDaily:
		return RepeatDaily, true
	case RepeatWeekly:
		return RepeatWeekly, true
	}
	return RepeatNone, false
}

// Recurring reports whether a successful send advances FireAt instead of
// terminating the reminder.
func (r Repeat) Recurring() bool { return r == RepeatDaily || r == RepeatWeekly }

// Reminder is a scheduled notification for one client.
type Reminder struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"clientId"`
	FireAt     time.Time  `json:"fireAt"`
	Message    string     `json:"message"`
	Repeat     Repeat     `json:"repeat"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastSentAt *time.Time `json:"lastSentAt"`
}

// Client is the recipient of reminders. The engine never mutates it.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogType classifies audit log entries.
type LogType string

const (
	LogReminder LogType = "Reminder"
	LogSend     LogType = "Send"
	LogError    LogType = "Error"
)

// LogEntry is an append-only audit record.
type LogEntry struct {
	ID     string    `json:"id"`
	Type   LogType   `json:"type"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}
