package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"clientpulse/internal/clock"
	"clientpulse/internal/reminder"
	logx "clientpulse/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	clock clock.Clock
	log   logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer. One connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, clock: clk, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) now() time.Time { return normTime(s.clock.Now()) }

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const sqliteReminderCols = `id, client_id, fire_at, message, repeat, status, created_at, updated_at, last_sent_at`

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+sqliteReminderCols+` FROM reminders WHERE status = ? ORDER BY seq DESC`, string(reminder.StatusScheduled))
}

func (s *sqliteStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+sqliteReminderCols+` FROM reminders ORDER BY seq DESC`)
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteReminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanSQLiteReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) CreateReminder(ctx context.Context, in NewReminder) (reminder.Reminder, error) {
	now := s.now()
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, client_id, fire_at, message, repeat, status, created_at, updated_at, last_sent_at)
		 VALUES(?,?,?,?,?,?,?,?,NULL)`,
		r.ID, r.ClientID, micros(r.FireAt), r.Message, string(r.Repeat), string(r.Status), micros(r.CreatedAt), micros(r.UpdatedAt),
	)
	if err != nil {
		return reminder.Reminder{}, err
	}
	return r, nil
}

func (s *sqliteStore) UpdateReminder(ctx context.Context, id string, p Patch) (reminder.Reminder, error) {
	return s.update(ctx, id, nil, p)
}

func (s *sqliteStore) UpdateReminderIf(ctx context.Context, id string, exp Expect, p Patch) (reminder.Reminder, error) {
	return s.update(ctx, id, &exp, p)
}

// update reads the row, applies p and writes it back with a compare-and-set
// on the status and fire_at that were read.
func (s *sqliteStore) update(ctx context.Context, id string, exp *Expect, p Patch) (reminder.Reminder, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.GetReminder(ctx, id)
		if err != nil {
			return reminder.Reminder{}, err
		}
		if exp != nil && !matches(cur, *exp) {
			return reminder.Reminder{}, ErrConflict
		}
		next := cur
		apply(&next, p, s.now())

		res, err := s.db.ExecContext(ctx,
			`UPDATE reminders SET fire_at = ?, status = ?, last_sent_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND fire_at = ?`,
			micros(next.FireAt), string(next.Status), microsPtr(next.LastSentAt), micros(next.UpdatedAt),
			id, string(cur.Status), micros(cur.FireAt),
		)
		if err != nil {
			return reminder.Reminder{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return reminder.Reminder{}, err
		}
		if n == 1 {
			return next, nil
		}
		if exp != nil {
			return reminder.Reminder{}, ErrConflict
		}
	}
	return reminder.Reminder{}, ErrConflict
}

func (s *sqliteStore) GetClient(ctx context.Context, id string) (reminder.Client, error) {
	var c reminder.Client
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, phone, notes, created_at FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Notes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Client{}, ErrNotFound
	}
	if err != nil {
		return reminder.Client{}, err
	}
	c.CreatedAt = fromMicros(created)
	return c, nil
}

func (s *sqliteStore) CreateClient(ctx context.Context, in NewClient) (reminder.Client, error) {
	c := reminder.Client{ID: uuid.NewString(), Name: in.Name, Email: in.Email, Phone: in.Phone, Notes: in.Notes, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients(id, name, email, phone, notes, created_at) VALUES(?,?,?,?,?,?)`,
		c.ID, c.Name, c.Email, c.Phone, c.Notes, micros(c.CreatedAt),
	)
	if err != nil {
		return reminder.Client{}, err
	}
	return c, nil
}

func (s *sqliteStore) ListClients(ctx context.Context) ([]reminder.Client, error) {
	return s.queryClients(ctx, `SELECT id, name, email, phone, notes, created_at FROM clients ORDER BY seq DESC`)
}

func (s *sqliteStore) AppendLog(ctx context.Context, e reminder.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(id, type, detail, at) VALUES(?,?,?,?)`,
		e.ID, string(e.Type), e.Detail, micros(e.At),
	)
	return err
}

func (s *sqliteStore) ListLogs(ctx context.Context, limit int) ([]reminder.LogEntry, error) {
	return s.queryLogs(ctx, `SELECT id, type, detail, at FROM logs ORDER BY seq DESC LIMIT ?`, logLimit(limit))
}

func (s *sqliteStore) Export(ctx context.Context) (Export, error) {
	out := Export{ExportedAt: s.now()}
	var err error
	if out.Clients, err = s.queryClients(ctx, `SELECT id, name, email, phone, notes, created_at FROM clients ORDER BY seq`); err != nil {
		return Export{}, err
	}
	if out.Reminders, err = s.queryReminders(ctx, `SELECT `+sqliteReminderCols+` FROM reminders ORDER BY seq`); err != nil {
		return Export{}, err
	}
	if out.Logs, err = s.queryLogs(ctx, `SELECT id, type, detail, at FROM logs ORDER BY seq`); err != nil {
		return Export{}, err
	}
	return out, nil
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryClients(ctx context.Context, q string) ([]reminder.Client, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.Client, 0)
	for rows.Next() {
		var c reminder.Client
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Notes, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMicros(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryLogs(ctx context.Context, q string, args ...any) ([]reminder.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.LogEntry, 0)
	for rows.Next() {
		var e reminder.LogEntry
		var typ string
		var at int64
		if err := rows.Scan(&e.ID, &typ, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Type = reminder.LogType(typ)
		e.At = fromMicros(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReminder(row rowScanner) (reminder.Reminder, error) {
	var r reminder.Reminder
	var repeat, status string
	var fireAt, created, updated int64
	var lastSent sql.NullInt64
	if err := row.Scan(&r.ID, &r.ClientID, &fireAt, &r.Message, &repeat, &status, &created, &updated, &lastSent); err != nil {
		return reminder.Reminder{}, err
	}
	r.Repeat = reminder.Repeat(repeat)
	r.Status = reminder.Status(status)
	r.FireAt = fromMicros(fireAt)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	if lastSent.Valid {
		t := fromMicros(lastSent.Int64)
		r.LastSentAt = &t
	}
	return r, nil
}

func micros(t time.Time) int64 { return normTime(t).UnixMicro() }

func microsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }
