package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"clientpulse/internal/clock"
	"clientpulse/internal/reminder"
	logx "clientpulse/pkg/logx"
)

// DBTX is the subset shared by *pgxpool.Pool and pgx.Tx, so queries run the
// same way inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
	log   logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &postgresStore{pool: pool, clock: clk, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	// No arguments, so pgx uses the simple protocol and accepts several
	// statements in one call.
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) now() time.Time { return normTime(s.clock.Now()) }

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const pgReminderCols = `id, client_id, fire_at, message, repeat, status, created_at, updated_at, last_sent_at`

func (s *postgresStore) ListScheduled(ctx context.Context) ([]reminder.Reminder, error) {
	return pgQueryReminders(ctx, s.pool, `SELECT `+pgReminderCols+` FROM reminders WHERE status = $1 ORDER BY seq DESC`, string(reminder.StatusScheduled))
}

func (s *postgresStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	return pgQueryReminders(ctx, s.pool, `SELECT `+pgReminderCols+` FROM reminders ORDER BY seq DESC`)
}

func (s *postgresStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	return pgGetReminder(ctx, s.pool, id, false)
}

func (s *postgresStore) CreateReminder(ctx context.Context, in NewReminder) (reminder.Reminder, error) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminders (id, client_id, fire_at, message, repeat, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ClientID, r.FireAt, r.Message, string(r.Repeat), string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return reminder.Reminder{}, err
	}
	return r, nil
}

func (s *postgresStore) UpdateReminder(ctx context.Context, id string, p Patch) (reminder.Reminder, error) {
	return s.update(ctx, id, nil, p)
}

func (s *postgresStore) UpdateReminderIf(ctx context.Context, id string, exp Expect, p Patch) (reminder.Reminder, error) {
	return s.update(ctx, id, &exp, p)
}

// update locks the row for the duration of a transaction, checks exp and
// writes the patched reminder.
func (s *postgresStore) update(ctx context.Context, id string, exp *Expect, p Patch) (reminder.Reminder, error) {
	var out reminder.Reminder
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := pgGetReminder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if exp != nil && !matches(cur, *exp) {
			return ErrConflict
		}
		next := cur
		apply(&next, p, s.now())
		_, err = tx.Exec(ctx,
			`UPDATE reminders SET fire_at = $2, status = $3, last_sent_at = $4, updated_at = $5 WHERE id = $1`,
			id, next.FireAt, string(next.Status), next.LastSentAt, next.UpdatedAt,
		)
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return reminder.Reminder{}, err
	}
	return out, nil
}

func (s *postgresStore) GetClient(ctx context.Context, id string) (reminder.Client, error) {
	var c reminder.Client
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, phone, notes, created_at FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Notes, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Client{}, ErrNotFound
	}
	if err != nil {
		return reminder.Client{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *postgresStore) CreateClient(ctx context.Context, in NewClient) (reminder.Client, error) {
	c := reminder.Client{ID: uuid.NewString(), Name: in.Name, Email: in.Email, Phone: in.Phone, Notes: in.Notes, CreatedAt: s.now()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, email, phone, notes, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Name, c.Email, c.Phone, c.Notes, c.CreatedAt,
	)
	if err != nil {
		return reminder.Client{}, err
	}
	return c, nil
}

func (s *postgresStore) ListClients(ctx context.Context) ([]reminder.Client, error) {
	return pgQueryClients(ctx, s.pool, `SELECT id, name, email, phone, notes, created_at FROM clients ORDER BY seq DESC`)
}

func (s *postgresStore) AppendLog(ctx context.Context, e reminder.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (id, type, detail, at) VALUES ($1, $2, $3, $4)`,
		e.ID, string(e.Type), e.Detail, normTime(e.At),
	)
	return err
}

func (s *postgresStore) ListLogs(ctx context.Context, limit int) ([]reminder.LogEntry, error) {
	return pgQueryLogs(ctx, s.pool, `SELECT id, type, detail, at FROM logs ORDER BY seq DESC LIMIT $1`, logLimit(limit))
}

// Export reads all three tables in one repeatable-read snapshot.
func (s *postgresStore) Export(ctx context.Context) (Export, error) {
	out := Export{ExportedAt: s.now()}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		if out.Clients, err = pgQueryClients(ctx, tx, `SELECT id, name, email, phone, notes, created_at FROM clients ORDER BY seq`); err != nil {
			return err
		}
		if out.Reminders, err = pgQueryReminders(ctx, tx, `SELECT `+pgReminderCols+` FROM reminders ORDER BY seq`); err != nil {
			return err
		}
		out.Logs, err = pgQueryLogs(ctx, tx, `SELECT id, type, detail, at FROM logs ORDER BY seq`)
		return err
	})
	if err != nil {
		return Export{}, err
	}
	return out, nil
}

func pgGetReminder(ctx context.Context, db DBTX, id string, forUpdate bool) (reminder.Reminder, error) {
	q := `SELECT ` + pgReminderCols + ` FROM reminders WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	r, err := scanPGReminder(db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	return r, err
}

func pgQueryReminders(ctx context.Context, db DBTX, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanPGReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgQueryClients(ctx context.Context, db DBTX, q string) ([]reminder.Client, error) {
	rows, err := db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.Client, 0)
	for rows.Next() {
		var c reminder.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Notes, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func pgQueryLogs(ctx context.Context, db DBTX, q string, args ...any) ([]reminder.LogEntry, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.LogEntry, 0)
	for rows.Next() {
		var e reminder.LogEntry
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		e.Type = reminder.LogType(typ)
		e.At = e.At.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPGReminder(row pgx.Row) (reminder.Reminder, error) {
	var r reminder.Reminder
	var repeat, status string
	var lastSent *time.Time
	if err := row.Scan(&r.ID, &r.ClientID, &r.FireAt, &r.Message, &repeat, &status, &r.CreatedAt, &r.UpdatedAt, &lastSent); err != nil {
		return reminder.Reminder{}, err
	}
	r.Repeat = reminder.Repeat(repeat)
	r.Status = reminder.Status(status)
	r.FireAt = r.FireAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.LastSentAt = normTimePtr(lastSent)
	return r, nil
}
