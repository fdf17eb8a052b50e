// Package storagetest holds a conformance suite every storage driver must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clientpulse/internal/clock"
	"clientpulse/internal/reminder"
	"clientpulse/internal/storage"
)

// Factory opens a fresh, empty store driven by clk.
type Factory func(t *testing.T, clk clock.Clock) storage.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite. Each case gets its own store.
func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, st storage.Store, clk *clock.Fake)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"NotFound", testNotFound},
		{"ListNewestFirst", testListNewestFirst},
		{"ListScheduledFiltersStatus", testListScheduled},
		{"UpdateReminder", testUpdate},
		{"UpdateReminderIfConflict", testUpdateIfConflict},
		{"UpdateReminderIfSingleWinner", testUpdateIfSingleWinner},
		{"Logs", testLogs},
		{"Export", testExport},
		{"MicrosecondPrecision", testPrecision},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewFake(base)
			st := open(t, clk)
			t.Cleanup(func() { _ = st.Close() })
			tc.fn(t, st, clk)
		})
	}
}

func mustClient(t *testing.T, st storage.Store, name string) reminder.Client {
	t.Helper()
	c, err := st.CreateClient(context.Background(), storage.NewClient{Name: name, Email: name + "@example.com"})
	require.NoError(t, err)
	return c
}

func mustReminder(t *testing.T, st storage.Store, clientID string, at time.Time, rep reminder.Repeat) reminder.Reminder {
	t.Helper()
	r, err := st.CreateReminder(context.Background(), storage.NewReminder{ClientID: clientID, FireAt: at, Message: "ping", Repeat: rep})
	require.NoError(t, err)
	return r
}

func testCreateAndGet(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	c := mustClient(t, st, "ana")
	require.NotEmpty(t, c.ID)
	assert.True(t, c.CreatedAt.Equal(base))

	got, err := st.GetClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", got.Email)

	r := mustReminder(t, st, c.ID, base.Add(time.Hour), reminder.RepeatDaily)
	assert.Equal(t, reminder.StatusScheduled, r.Status)
	assert.Nil(t, r.LastSentAt)

	gr, err := st.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, gr.ID)
	assert.Equal(t, c.ID, gr.ClientID)
	assert.Equal(t, "ping", gr.Message)
	assert.Equal(t, reminder.RepeatDaily, gr.Repeat)
	assert.True(t, gr.FireAt.Equal(base.Add(time.Hour)))
	assert.Nil(t, gr.LastSentAt)
}

func testNotFound(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	_, err := st.GetReminder(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.UpdateReminder(ctx, "missing", storage.Patch{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListNewestFirst(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	a := mustClient(t, st, "a")
	b := mustClient(t, st, "b")
	r1 := mustReminder(t, st, a.ID, base.Add(time.Hour), reminder.RepeatNone)
	r2 := mustReminder(t, st, b.ID, base.Add(2*time.Hour), reminder.RepeatNone)

	clients, err := st.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, b.ID, clients[0].ID)
	assert.Equal(t, a.ID, clients[1].ID)

	rems, err := st.ListReminders(ctx)
	require.NoError(t, err)
	require.Len(t, rems, 2)
	assert.Equal(t, r2.ID, rems[0].ID)
	assert.Equal(t, r1.ID, rems[1].ID)
}

func testListScheduled(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	c := mustClient(t, st, "c")
	keep := mustReminder(t, st, c.ID, base.Add(time.Hour), reminder.RepeatNone)
	done := mustReminder(t, st, c.ID, base.Add(time.Hour), reminder.RepeatNone)
	sent := reminder.StatusSent
	_, err := st.UpdateReminder(ctx, done.ID, storage.Patch{Status: &sent})
	require.NoError(t, err)

	got, err := st.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
}

func testUpdate(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	c := mustClient(t, st, "u")
	r := mustReminder(t, st, c.ID, base.Add(time.Hour), reminder.RepeatWeekly)

	clk.Advance(5 * time.Minute)
	next := base.Add(7 * 24 * time.Hour)
	sentAt := clk.Now()
	got, err := st.UpdateReminder(ctx, r.ID, storage.Patch{FireAt: &next, LastSentAt: &sentAt})
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusScheduled, got.Status)
	assert.True(t, got.FireAt.Equal(next))
	require.NotNil(t, got.LastSentAt)
	assert.True(t, got.LastSentAt.Equal(sentAt))
	assert.True(t, got.UpdatedAt.Equal(sentAt))

	back, err := st.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, back.FireAt.Equal(next))
	require.NotNil(t, back.LastSentAt)
	assert.True(t, back.LastSentAt.Equal(sentAt))
}

func testUpdateIfConflict(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	c := mustClient(t, st, "x")
	r := mustReminder(t, st, c.ID, base.Add(time.Hour), reminder.RepeatNone)
	sent := reminder.StatusSent

	_, err := st.UpdateReminderIf(ctx, r.ID, storage.Expect{Status: reminder.StatusScheduled, FireAt: base}, storage.Patch{Status: &sent})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = st.UpdateReminderIf(ctx, r.ID, storage.Expect{Status: reminder.StatusFailed, FireAt: r.FireAt}, storage.Patch{Status: &sent})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := st.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusScheduled, got.Status)

	got, err = st.UpdateReminderIf(ctx, r.ID, storage.Expect{Status: reminder.StatusScheduled, FireAt: r.FireAt}, storage.Patch{Status: &sent})
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusSent, got.Status)

	_, err = st.UpdateReminderIf(ctx, "missing", storage.Expect{Status: reminder.StatusScheduled}, storage.Patch{Status: &sent})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateIfSingleWinner(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	c := mustClient(t, st, "race")
	r := mustReminder(t, st, c.ID, base.Add(time.Hour), reminder.RepeatNone)
	exp := storage.Expect{Status: reminder.StatusScheduled, FireAt: r.FireAt}
	sent := reminder.StatusSent

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.UpdateReminderIf(ctx, r.ID, exp, storage.Patch{Status: &sent}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testLogs(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	for i, typ := range []reminder.LogType{reminder.LogReminder, reminder.LogSend, reminder.LogError} {
		clk.Advance(time.Second)
		require.NoError(t, st.AppendLog(ctx, reminder.LogEntry{Type: typ, Detail: string(rune('a' + i))}))
	}

	all, err := st.ListLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, reminder.LogError, all[0].Type)
	assert.Equal(t, "c", all[0].Detail)
	assert.NotEmpty(t, all[0].ID)
	assert.True(t, all[0].At.Equal(base.Add(3*time.Second)))
	assert.Equal(t, reminder.LogReminder, all[2].Type)

	two, err := st.ListLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "c", two[0].Detail)
	assert.Equal(t, "b", two[1].Detail)
}

func testExport(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	a := mustClient(t, st, "a")
	b := mustClient(t, st, "b")
	mustReminder(t, st, a.ID, base.Add(time.Hour), reminder.RepeatNone)
	require.NoError(t, st.AppendLog(ctx, reminder.LogEntry{Type: reminder.LogSend, Detail: "x"}))

	out, err := st.Export(ctx)
	require.NoError(t, err)
	assert.True(t, out.ExportedAt.Equal(base))
	require.Len(t, out.Clients, 2)
	assert.Equal(t, a.ID, out.Clients[0].ID)
	assert.Equal(t, b.ID, out.Clients[1].ID)
	assert.Len(t, out.Reminders, 1)
	assert.Len(t, out.Logs, 1)
}

func testPrecision(t *testing.T, st storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	c := mustClient(t, st, "p")
	at := base.Add(time.Hour + 123456789*time.Nanosecond).In(time.FixedZone("X", 3*3600))
	r := mustReminder(t, st, c.ID, at, reminder.RepeatNone)
	assert.Equal(t, time.UTC, r.FireAt.Location())

	got, err := st.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.FireAt.Equal(r.FireAt))

	// The value handed back by Create must satisfy an Expect as-is.
	sent := reminder.StatusSent
	_, err = st.UpdateReminderIf(ctx, r.ID, storage.Expect{Status: reminder.StatusScheduled, FireAt: at}, storage.Patch{Status: &sent})
	require.NoError(t, err)
}
