package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clientpulse/internal/clock"
	"clientpulse/internal/eventbus"
	"clientpulse/internal/gateway"
	"clientpulse/internal/reminder"
	"clientpulse/internal/storage"
	"clientpulse/internal/task/engine"
	logx "clientpulse/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	send    func(n int32, m gateway.Message) error

	mu   sync.Mutex
	msgs []gateway.Message
}

func (g *fakeGateway) Send(ctx context.Context, m gateway.Message) (gateway.Receipt, error) {
	n := g.calls.Add(1)
	g.mu.Lock()
	g.msgs = append(g.msgs, m)
	g.mu.Unlock()
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return gateway.Receipt{}, ctx.Err()
		}
	}
	if g.send != nil {
		if err := g.send(n, m); err != nil {
			return gateway.Receipt{}, err
		}
	}
	return gateway.Receipt{Provider: "fake", MessageID: "m1"}, nil
}

type fixture struct {
	store storage.Store
	gw    *fakeGateway
	clock *clock.Fake
	coord *Coordinator
	bus   eventbus.Bus

	mu          sync.Mutex
	rescheduled []reminder.Reminder
}

func newFixture(t *testing.T, st storage.Store, gw *fakeGateway) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	if st == nil {
		st = storage.NewMemory(clk)
	}
	if gw == nil {
		gw = &fakeGateway{}
	}
	f := &fixture{store: st, gw: gw, clock: clk, bus: eventbus.New()}
	f.coord = New(Config{SendTimeout: time.Second}, st, gw, clk, logx.Nop(), f.bus, WithOnRescheduled(func(r reminder.Reminder) {
		f.mu.Lock()
		f.rescheduled = append(f.rescheduled, r)
		f.mu.Unlock()
	}))
	return f
}

func (f *fixture) seed(t *testing.T, rep reminder.Repeat) (reminder.Client, reminder.Reminder) {
	t.Helper()
	ctx := context.Background()
	c, err := f.store.CreateClient(ctx, storage.NewClient{Name: "Ana", Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	r, err := f.store.CreateReminder(ctx, storage.NewReminder{ClientID: c.ID, FireAt: t0, Message: "Time to renew.", Repeat: rep})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	return c, r
}

func (f *fixture) get(t *testing.T, id string) reminder.Reminder {
	t.Helper()
	r, err := f.store.GetReminder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	return r
}

func (f *fixture) logs(t *testing.T) []reminder.LogEntry {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	return logs
}

func countType(logs []reminder.LogEntry, typ reminder.LogType) int {
	n := 0
	for _, l := range logs {
		if l.Type == typ {
			n++
		}
	}
	return n
}

func TestOneShotSuccessIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	_, r := f.seed(t, reminder.RepeatNone)

	out, err := f.coord.Attempt(context.Background(), r, TriggerTimer)
	if err != nil || out != OutcomeSent {
		t.Fatalf("Attempt = %v, %v; want sent", out, err)
	}
	got := f.get(t, r.ID)
	if got.Status != reminder.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.LastSentAt == nil || !got.LastSentAt.Equal(t0) {
		t.Fatalf("lastSentAt = %v, want %v", got.LastSentAt, t0)
	}

	// A second fire of the same snapshot must not send again.
	out, err = f.coord.Attempt(context.Background(), r, TriggerTimer)
	if err != nil || out != OutcomeSkipped {
		t.Fatalf("second Attempt = %v, %v; want skipped", out, err)
	}
	if n := f.gw.calls.Load(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	logs := f.logs(t)
	if countType(logs, reminder.LogSend) != 1 || !strings.Contains(logs[0].Detail, "Sent reminder "+r.ID) {
		t.Fatalf("logs = %+v", logs)
	}
	if len(f.rescheduled) != 0 {
		t.Fatalf("one-shot reminder must not be rescheduled")
	}
}

func TestComposedMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	_, r := f.seed(t, reminder.RepeatNone)
	if _, err := f.coord.Attempt(context.Background(), r, TriggerTimer); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	m := f.gw.msgs[0]
	if m.Subject != "Follow-up: Ana" || m.ToEmail != "ana@example.com" {
		t.Fatalf("message = %+v", m)
	}
	if m.Body != "Hi Ana,\n\nTime to renew.\n\n— Sent by ClientPulse" {
		t.Fatalf("body = %q", m.Body)
	}
}

func TestRecurringAdvances(t *testing.T) {
	t.Parallel()
	cases := []struct {
		repeat reminder.Repeat
		want   time.Time
	}{
		{reminder.RepeatDaily, t0.Add(24 * time.Hour)},
		{reminder.RepeatWeekly, t0.AddDate(0, 0, 7)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.repeat), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil, nil)
			_, r := f.seed(t, tc.repeat)
			f.clock.Advance(2 * time.Second)

			out, err := f.coord.Attempt(context.Background(), r, TriggerTimer)
			if err != nil || out != OutcomeRescheduled {
				t.Fatalf("Attempt = %v, %v; want rescheduled", out, err)
			}
			got := f.get(t, r.ID)
			if got.Status != reminder.StatusScheduled {
				t.Fatalf("status = %s", got.Status)
			}
			if !got.FireAt.Equal(tc.want) {
				t.Fatalf("fireAt = %v, want %v", got.FireAt, tc.want)
			}
			if got.LastSentAt == nil || !got.LastSentAt.Equal(t0.Add(2*time.Second)) {
				t.Fatalf("lastSentAt = %v", got.LastSentAt)
			}
			logs := f.logs(t)
			if countType(logs, reminder.LogReminder) != 1 || countType(logs, reminder.LogSend) != 1 {
				t.Fatalf("logs = %+v", logs)
			}
			if len(f.rescheduled) != 1 || !f.rescheduled[0].FireAt.Equal(tc.want) {
				t.Fatalf("rescheduled hook = %+v", f.rescheduled)
			}
		})
	}
}

func TestClientMissingMarksFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	r, err := f.store.CreateReminder(context.Background(), storage.NewReminder{ClientID: "gone", FireAt: t0, Message: "x"})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	out, err := f.coord.Attempt(context.Background(), r, TriggerManual)
	if out != OutcomeClientMissing || !reminder.IsNotFound(err) {
		t.Fatalf("Attempt = %v, %v; want client_missing + not found", out, err)
	}
	if got := f.get(t, r.ID); got.Status != reminder.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	logs := f.logs(t)
	if len(logs) != 1 || logs[0].Type != reminder.LogError {
		t.Fatalf("logs = %+v, want exactly one Error entry", logs)
	}
	if f.gw.calls.Load() != 0 {
		t.Fatalf("gateway must not be called")
	}
	if err := f.coord.Fire(context.Background(), r); err != nil && !engine.IsNoRetry(err) {
		t.Fatalf("Fire error must not be retryable: %v", err)
	}
}

func TestGatewayFailureMarksFailed(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{send: func(int32, gateway.Message) error { return errors.New("mailbox full") }}
	f := newFixture(t, nil, gw)
	_, r := f.seed(t, reminder.RepeatDaily)

	err := f.coord.Fire(context.Background(), r)
	if !engine.IsNoRetry(err) || !reminder.IsDelivery(err) {
		t.Fatalf("Fire = %v, want no-retry delivery error", err)
	}
	got := f.get(t, r.ID)
	if got.Status != reminder.StatusFailed || !got.FireAt.Equal(t0) {
		t.Fatalf("reminder = %+v", got)
	}
	logs := f.logs(t)
	if len(logs) != 1 || logs[0].Type != reminder.LogSend || !strings.Contains(logs[0].Detail, "mailbox full") {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{release: make(chan struct{})}
	f := newFixture(t, nil, gw)
	f.coord.Apply(Config{SendTimeout: 20 * time.Millisecond})
	_, r := f.seed(t, reminder.RepeatNone)

	out, err := f.coord.Attempt(context.Background(), r, TriggerTimer)
	if out != OutcomeFailed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Attempt = %v, %v; want failed deadline", out, err)
	}
}

func TestStaleSnapshotSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	_, r := f.seed(t, reminder.RepeatNone)
	later := t0.Add(time.Hour)
	if _, err := f.store.UpdateReminder(context.Background(), r.ID, storage.Patch{FireAt: &later}); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}

	out, err := f.coord.Attempt(context.Background(), r, TriggerTimer)
	if err != nil || out != OutcomeSkipped {
		t.Fatalf("Attempt = %v, %v; want skipped", out, err)
	}
	if f.gw.calls.Load() != 0 {
		t.Fatalf("stale fire must not send")
	}
}

func TestManualRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	_, r := f.seed(t, reminder.RepeatNone)
	failed := reminder.StatusFailed
	if _, err := f.store.UpdateReminder(context.Background(), r.ID, storage.Patch{Status: &failed}); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}

	out, err := f.coord.Attempt(context.Background(), r, TriggerManual)
	if err != nil || out != OutcomeSent {
		t.Fatalf("manual on failed = %v, %v; want sent", out, err)
	}
	_, err = f.coord.Attempt(context.Background(), r, TriggerManual)
	if !reminder.IsConflict(err) {
		t.Fatalf("manual on sent = %v, want conflict", err)
	}
	_, err = f.coord.Attempt(context.Background(), reminder.Reminder{ID: "nope"}, TriggerManual)
	if !reminder.IsNotFound(err) {
		t.Fatalf("manual on unknown = %v, want not found", err)
	}
}

func TestConcurrentAttemptsSendOnce(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{entered: make(chan struct{}, 4), release: make(chan struct{})}
	f := newFixture(t, nil, gw)
	_, r := f.seed(t, reminder.RepeatNone)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.coord.Attempt(context.Background(), r, TriggerTimer)
	}()
	<-gw.entered
	go func() {
		defer wg.Done()
		_, _ = f.coord.Attempt(context.Background(), r, TriggerTimer)
	}()
	close(gw.release)
	wg.Wait()

	if n := gw.calls.Load(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	if got := f.get(t, r.ID); got.Status != reminder.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestRacingOutcomesNeverLeaveScheduled(t *testing.T) {
	t.Parallel()
	// The first send fails and the second would succeed.
	gw := &fakeGateway{send: func(n int32, _ gateway.Message) error {
		if n == 1 {
			return errors.New("temporary outage")
		}
		return nil
	}}
	f := newFixture(t, nil, gw)
	_, r := f.seed(t, reminder.RepeatNone)

	var wg sync.WaitGroup
	for _, trig := range []Trigger{TriggerTimer, TriggerManual} {
		wg.Add(1)
		go func(trig Trigger) {
			defer wg.Done()
			_, _ = f.coord.Attempt(context.Background(), r, trig)
		}(trig)
	}
	wg.Wait()

	got := f.get(t, r.ID)
	if got.Status != reminder.StatusSent && got.Status != reminder.StatusFailed {
		t.Fatalf("status = %s, want sent or failed", got.Status)
	}
}

type flakyStore struct {
	storage.Store
	getErr    error
	updateErr error
}

func (s *flakyStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	if s.getErr != nil {
		return reminder.Reminder{}, s.getErr
	}
	return s.Store.GetReminder(ctx, id)
}

func (s *flakyStore) UpdateReminderIf(ctx context.Context, id string, exp storage.Expect, p storage.Patch) (reminder.Reminder, error) {
	if s.updateErr != nil {
		return reminder.Reminder{}, s.updateErr
	}
	return s.Store.UpdateReminderIf(ctx, id, exp, p)
}

func TestStoreReadFailureIsRetryable(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{Store: storage.NewMemory(nil), getErr: errors.New("connection reset")}
	f := newFixture(t, fs, nil)
	_, r := f.seed(t, reminder.RepeatNone)

	err := f.coord.Fire(context.Background(), r)
	if err == nil || engine.IsNoRetry(err) || !reminder.IsStore(err) {
		t.Fatalf("Fire = %v, want retryable store error", err)
	}
	if f.gw.calls.Load() != 0 {
		t.Fatalf("nothing must be sent")
	}
}

func TestUpdateFailureAfterSendIsAnomaly(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{Store: storage.NewMemory(nil), updateErr: errors.New("disk full")}
	f := newFixture(t, fs, nil)
	events, unsub := f.bus.Subscribe(16)
	defer unsub()
	_, r := f.seed(t, reminder.RepeatNone)

	err := f.coord.Fire(context.Background(), r)
	if !reminder.IsStore(err) || !engine.IsNoRetry(err) {
		t.Fatalf("Fire = %v, want no-retry store error", err)
	}
	sawAnomaly := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeAnomaly && e.ReminderID == r.ID {
			sawAnomaly = true
		}
	}
	if !sawAnomaly {
		t.Fatalf("anomaly event not published")
	}
}

// ctxStore fails writes once the caller's context is done, like the sql
// backends do.
type ctxStore struct {
	storage.Store
}

func (s ctxStore) UpdateReminderIf(ctx context.Context, id string, exp storage.Expect, p storage.Patch) (reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Reminder{}, err
	}
	return s.Store.UpdateReminderIf(ctx, id, exp, p)
}

func TestCancelledCallerStillRecordsFailure(t *testing.T) {
	t.Parallel()

	t.Run("send", func(t *testing.T) {
		t.Parallel()
		gw := &fakeGateway{entered: make(chan struct{}, 1), release: make(chan struct{})}
		f := newFixture(t, ctxStore{Store: storage.NewMemory(nil)}, gw)
		_, r := f.seed(t, reminder.RepeatNone)

		ctx, cancel := context.WithCancel(context.Background())
		type result struct {
			out Outcome
			err error
		}
		done := make(chan result, 1)
		go func() {
			out, err := f.coord.Attempt(ctx, r, TriggerManual)
			done <- result{out, err}
		}()
		<-gw.entered
		cancel()
		res := <-done

		if res.out != OutcomeFailed || !errors.Is(res.err, context.Canceled) {
			t.Fatalf("Attempt = %v, %v; want failed canceled", res.out, res.err)
		}
		if got := f.get(t, r.ID); got.Status != reminder.StatusFailed {
			t.Fatalf("status = %s, want failed", got.Status)
		}
	})

	t.Run("client missing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, ctxStore{Store: storage.NewMemory(nil)}, nil)
		r, err := f.store.CreateReminder(context.Background(), storage.NewReminder{ClientID: "gone", FireAt: t0, Message: "x"})
		if err != nil {
			t.Fatalf("CreateReminder: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out, _ := f.coord.Attempt(ctx, r, TriggerTimer)
		if out != OutcomeClientMissing {
			t.Fatalf("Attempt = %v, want client_missing", out)
		}
		if got := f.get(t, r.ID); got.Status != reminder.StatusFailed {
			t.Fatalf("status = %s, want failed", got.Status)
		}
	})
}

// gatedStore parks the first GetReminder until release is closed.
type gatedStore struct {
	storage.Store
	gets    atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	if s.gets.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return s.Store.GetReminder(ctx, id)
}

func TestManualAttemptDoesNotInheritStaleTimerSkip(t *testing.T) {
	t.Parallel()
	gs := &gatedStore{Store: storage.NewMemory(nil), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, gs, nil)
	_, r := f.seed(t, reminder.RepeatNone)
	later := t0.Add(time.Hour)
	if _, err := f.store.UpdateReminder(context.Background(), r.ID, storage.Patch{FireAt: &later}); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}

	var (
		wg                  sync.WaitGroup
		timerOut, manualOut Outcome
		timerErr, manualErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		timerOut, timerErr = f.coord.Attempt(context.Background(), r, TriggerTimer)
	}()
	<-gs.entered
	go func() {
		defer wg.Done()
		manualOut, manualErr = f.coord.Attempt(context.Background(), r, TriggerManual)
	}()
	// Let the manual attempt join the in-flight timer attempt.
	time.Sleep(50 * time.Millisecond)
	close(gs.release)
	wg.Wait()

	if timerErr != nil || timerOut != OutcomeSkipped {
		t.Fatalf("timer Attempt = %v, %v; want skipped", timerOut, timerErr)
	}
	if manualErr != nil || manualOut != OutcomeSent {
		t.Fatalf("manual Attempt = %v, %v; want sent", manualOut, manualErr)
	}
	if n := f.gw.calls.Load(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	if got := f.get(t, r.ID); got.Status != reminder.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}
