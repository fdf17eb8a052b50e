// Package storage persists clients, reminders and the audit log.
//
// Drivers:
//   - "memory": process-local, lost on restart (default)
//   - "file": in-memory state backed by a JSON Lines journal plus snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx connection pool
package storage

import (
	"context"
	"errors"
	"time"

	"clientpulse/internal/reminder"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by UpdateReminderIf when the stored reminder no
	// longer matches the expectation.
	ErrConflict = errors.New("storage: conflict")
	ErrClosed   = errors.New("storage: closed")
)

// DefaultLogLimit is the ListLogs page size when limit <= 0.
const DefaultLogLimit = 200

type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

type NewReminder struct {
	ClientID string
	FireAt   time.Time
	Message  string
	Repeat   reminder.Repeat
}

type NewClient struct {
	Name  string
	Email string
	Phone string
	Notes string
}

// Patch lists the mutable reminder fields. Nil fields are left unchanged.
type Patch struct {
	FireAt     *time.Time
	Status     *reminder.Status
	LastSentAt *time.Time
}

// Expect is the compare-and-set precondition of UpdateReminderIf.
type Expect struct {
	Status reminder.Status
	FireAt time.Time
}

// Export is a full dump of the store.
type Export struct {
	ExportedAt time.Time           `json:"exportedAt"`
	Clients    []reminder.Client   `json:"clients"`
	Reminders  []reminder.Reminder `json:"reminders"`
	Logs       []reminder.LogEntry `json:"logs"`
}

// Store is the persistence API used by the engine and the HTTP service.
//
// List methods return newest first. Timestamps are UTC with microsecond
// precision on every driver, so a value read back compares equal to the one
// used in an Expect.
type Store interface {
	// ListScheduled returns every reminder with status scheduled.
	ListScheduled(ctx context.Context) ([]reminder.Reminder, error)
	ListReminders(ctx context.Context) ([]reminder.Reminder, error)
	GetReminder(ctx context.Context, id string) (reminder.Reminder, error)
	CreateReminder(ctx context.Context, in NewReminder) (reminder.Reminder, error)
	UpdateReminder(ctx context.Context, id string, p Patch) (reminder.Reminder, error)
	// UpdateReminderIf applies p only if the stored status and fireAt equal
	// exp; otherwise it returns ErrConflict and changes nothing.
	UpdateReminderIf(ctx context.Context, id string, exp Expect, p Patch) (reminder.Reminder, error)

	GetClient(ctx context.Context, id string) (reminder.Client, error)
	CreateClient(ctx context.Context, in NewClient) (reminder.Client, error)
	ListClients(ctx context.Context) ([]reminder.Client, error)

	// AppendLog stores e. ID and At are assigned when empty.
	AppendLog(ctx context.Context, e reminder.LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]reminder.LogEntry, error)

	Export(ctx context.Context) (Export, error)
	Ping(ctx context.Context) error
	Close() error
}

// normTime is applied to every timestamp crossing the store boundary.
func normTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := normTime(*t)
	return &v
}

func apply(r *reminder.Reminder, p Patch, now time.Time) {
	if p.FireAt != nil {
		r.FireAt = normTime(*p.FireAt)
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.LastSentAt != nil {
		r.LastSentAt = normTimePtr(p.LastSentAt)
	}
	r.UpdatedAt = now
}

func matches(r reminder.Reminder, exp Expect) bool {
	return r.Status == exp.Status && r.FireAt.Equal(normTime(exp.FireAt))
}

func logLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	return limit
}
