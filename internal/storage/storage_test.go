package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clientpulse/internal/clock"
	"clientpulse/internal/reminder"
	"clientpulse/internal/storage"
	"clientpulse/internal/storage/storagetest"
	logx "clientpulse/pkg/logx"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storage.Store {
		return storage.NewMemory(clk)
	})
}

func TestFileStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storage.Store {
		st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, clk, logx.Nop())
		require.NoError(t, err)
		return st
	})
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storage.Store {
		st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data.db")}, clk, logx.Nop())
		require.NoError(t, err)
		return st
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CLIENTPULSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLIENTPULSE_TEST_POSTGRES_DSN not set")
	}
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storage.Store {
		ctx := context.Background()
		st, err := storage.Open(ctx, storage.Config{Driver: "postgres", DSN: dsn, MaxConns: 4}, clk, logx.Nop())
		require.NoError(t, err)
		truncatePostgres(t, dsn)
		return st
	})
}

func truncatePostgres(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "TRUNCATE clients, reminders, logs RESTART IDENTITY")
	require.NoError(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := storage.Open(context.Background(), storage.Config{Driver: "mongo"}, nil, logx.Logger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo")
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite", "postgres"} {
		_, err := storage.Open(context.Background(), storage.Config{Driver: driver}, nil, logx.Nop())
		assert.Error(t, err, driver)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: path}, clk, logx.Nop())
	require.NoError(t, err)
	c, err := st.CreateClient(ctx, storage.NewClient{Name: "Dana", Email: "dana@example.com"})
	require.NoError(t, err)
	r, err := st.CreateReminder(ctx, storage.NewReminder{ClientID: c.ID, FireAt: clk.Now().Add(time.Hour), Message: "hi"})
	require.NoError(t, err)
	sent := reminder.StatusSent
	_, err = st.UpdateReminder(ctx, r.ID, storage.Patch{Status: &sent})
	require.NoError(t, err)
	require.NoError(t, st.AppendLog(ctx, reminder.LogEntry{Type: reminder.LogSend, Detail: "done"}))
	require.NoError(t, st.Close())

	// A torn trailing line must not prevent reopening.
	jf, err := os.OpenFile(filepath.Join(filepath.Dir(path), "state.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = jf.WriteString(`{"kind":"remin`)
	require.NoError(t, err)
	require.NoError(t, jf.Close())

	st, err = storage.Open(ctx, storage.Config{Driver: "file", Path: path}, clk, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusSent, got.Status)
	logs, err := st.ListLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "done", logs[0].Detail)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: path}, clk, logx.Nop())
	require.NoError(t, err)
	c, err := st.CreateClient(ctx, storage.NewClient{Name: "Eli"})
	require.NoError(t, err)
	_, err = st.CreateReminder(ctx, storage.NewReminder{ClientID: c.ID, FireAt: clk.Now().Add(time.Hour), Message: "hi", Repeat: reminder.RepeatDaily})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = storage.Open(ctx, storage.Config{Driver: "sqlite", Path: path}, clk, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	sched, err := st.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, sched, 1)
	assert.Equal(t, reminder.RepeatDaily, sched[0].Repeat)
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory(nil)
	require.NoError(t, st.Close())
	_, err := st.ListReminders(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, st.Ping(context.Background()), storage.ErrClosed)
}
