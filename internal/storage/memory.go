package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"clientpulse/internal/clock"
	"clientpulse/internal/reminder"
)

// record is one durable mutation. The memory store hands it to persist before
// committing; the file store journals it.
type record struct {
	Kind     string             `json:"kind"`
	Client   *reminder.Client   `json:"client,omitempty"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	Log      *reminder.LogEntry `json:"log,omitempty"`
}

const (
	kindClient   = "client"
	kindReminder = "reminder"
	kindLog      = "log"
)

// memoryStore keeps everything in insertion order. Lists are served newest
// first by walking the slices backwards.
type memoryStore struct {
	mu    sync.RWMutex
	clock clock.Clock

	clients   []reminder.Client
	clientIdx map[string]int
	reminders []reminder.Reminder
	remIdx    map[string]int
	logs      []reminder.LogEntry

	closed bool

	// persist, when set, must succeed before a mutation is committed. It is
	// called with mu held, so records reach it in commit order.
	persist func(record) error
}

// NewMemory returns an empty process-local store.
func NewMemory(clk clock.Clock) Store {
	return newMemory(clk)
}

func newMemory(clk clock.Clock) *memoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &memoryStore{
		clock:     clk,
		clientIdx: map[string]int{},
		remIdx:    map[string]int{},
	}
}

func (m *memoryStore) now() time.Time { return normTime(m.clock.Now()) }

func (m *memoryStore) save(rec record) error {
	if m.persist == nil {
		return nil
	}
	return m.persist(rec)
}

// load applies a replayed record without persisting it.
func (m *memoryStore) load(rec record) {
	switch rec.Kind {
	case kindClient:
		if rec.Client != nil {
			m.putClient(*rec.Client)
		}
	case kindReminder:
		if rec.Reminder != nil {
			m.putReminder(*rec.Reminder)
		}
	case kindLog:
		if rec.Log != nil {
			m.logs = append(m.logs, *rec.Log)
		}
	}
}

func (m *memoryStore) putClient(c reminder.Client) {
	if i, ok := m.clientIdx[c.ID]; ok {
		m.clients[i] = c
		return
	}
	m.clientIdx[c.ID] = len(m.clients)
	m.clients = append(m.clients, c)
}

func (m *memoryStore) putReminder(r reminder.Reminder) {
	if i, ok := m.remIdx[r.ID]; ok {
		m.reminders[i] = r
		return
	}
	m.remIdx[r.ID] = len(m.reminders)
	m.reminders = append(m.reminders, r)
}

func (m *memoryStore) ListScheduled(ctx context.Context) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]reminder.Reminder, 0)
	for i := len(m.reminders) - 1; i >= 0; i-- {
		if m.reminders[i].Status == reminder.StatusScheduled {
			out = append(out, m.reminders[i])
		}
	}
	return out, nil
}

func (m *memoryStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]reminder.Reminder, 0, len(m.reminders))
	for i := len(m.reminders) - 1; i >= 0; i-- {
		out = append(out, m.reminders[i])
	}
	return out, nil
}

func (m *memoryStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reminder.Reminder{}, ErrClosed
	}
	i, ok := m.remIdx[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	return m.reminders[i], nil
}

func (m *memoryStore) CreateReminder(ctx context.Context, in NewReminder) (reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Reminder{}, ErrClosed
	}
	now := m.now()
	r := reminder.Reminder{
		ID:        uuid.NewString(),
		ClientID:  in.ClientID,
		FireAt:    normTime(in.FireAt),
		Message:   in.Message,
		Repeat:    in.Repeat,
		Status:    reminder.StatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(record{Kind: kindReminder, Reminder: &r}); err != nil {
		return reminder.Reminder{}, err
	}
	m.putReminder(r)
	return r, nil
}

func (m *memoryStore) UpdateReminder(ctx context.Context, id string, p Patch) (reminder.Reminder, error) {
	return m.update(id, nil, p)
}

func (m *memoryStore) UpdateReminderIf(ctx context.Context, id string, exp Expect, p Patch) (reminder.Reminder, error) {
	return m.update(id, &exp, p)
}

func (m *memoryStore) update(id string, exp *Expect, p Patch) (reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Reminder{}, ErrClosed
	}
	i, ok := m.remIdx[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	r := m.reminders[i]
	if exp != nil && !matches(r, *exp) {
		return reminder.Reminder{}, ErrConflict
	}
	apply(&r, p, m.now())
	if err := m.save(record{Kind: kindReminder, Reminder: &r}); err != nil {
		return reminder.Reminder{}, err
	}
	m.reminders[i] = r
	return r, nil
}

func (m *memoryStore) GetClient(ctx context.Context, id string) (reminder.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reminder.Client{}, ErrClosed
	}
	i, ok := m.clientIdx[id]
	if !ok {
		return reminder.Client{}, ErrNotFound
	}
	return m.clients[i], nil
}

func (m *memoryStore) CreateClient(ctx context.Context, in NewClient) (reminder.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Client{}, ErrClosed
	}
	c := reminder.Client{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Email:     in.Email,
		Phone:     in.Phone,
		Notes:     in.Notes,
		CreatedAt: m.now(),
	}
	if err := m.save(record{Kind: kindClient, Client: &c}); err != nil {
		return reminder.Client{}, err
	}
	m.putClient(c)
	return c, nil
}

func (m *memoryStore) ListClients(ctx context.Context) ([]reminder.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]reminder.Client, 0, len(m.clients))
	for i := len(m.clients) - 1; i >= 0; i-- {
		out = append(out, m.clients[i])
	}
	return out, nil
}

func (m *memoryStore) AppendLog(ctx context.Context, e reminder.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = m.now()
	}
	e.At = normTime(e.At)
	if err := m.save(record{Kind: kindLog, Log: &e}); err != nil {
		return err
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *memoryStore) ListLogs(ctx context.Context, limit int) ([]reminder.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := min(logLimit(limit), len(m.logs))
	out := make([]reminder.LogEntry, 0, n)
	for i := len(m.logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

func (m *memoryStore) Export(ctx context.Context) (Export, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Export{}, ErrClosed
	}
	return Export{
		ExportedAt: m.now(),
		Clients:    append([]reminder.Client{}, m.clients...),
		Reminders:  append([]reminder.Reminder{}, m.reminders...),
		Logs:       append([]reminder.LogEntry{}, m.logs...),
	}, nil
}

func (m *memoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
