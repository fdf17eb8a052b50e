package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"clientpulse/internal/clock"
	"clientpulse/internal/reminder"
	logx "clientpulse/pkg/logx"
)

const compactEvery = 1000

// fileStore is the memory store made durable without a database.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
type fileStore struct {
	*memoryStore
	log logx.Logger

	fmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemory(clk)
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{memoryStore: mem, log: log, snapshotPath: snapPath, journal: jf, writes: n}
	mem.persist = fs.append
	log.Info("file store opened", logx.String("path", prefix), logx.Int("reminders", len(mem.reminders)), logx.Int("journal", n))
	return fs, nil
}

func (f *fileStore) append(rec record) error {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if f.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(f.journal).Encode(rec); err != nil {
		return err
	}
	f.writes++
	return nil
}

func (f *fileStore) CreateReminder(ctx context.Context, in NewReminder) (reminder.Reminder, error) {
	defer f.maybeCompact()
	return f.memoryStore.CreateReminder(ctx, in)
}

func (f *fileStore) UpdateReminder(ctx context.Context, id string, p Patch) (reminder.Reminder, error) {
	defer f.maybeCompact()
	return f.memoryStore.UpdateReminder(ctx, id, p)
}

func (f *fileStore) UpdateReminderIf(ctx context.Context, id string, exp Expect, p Patch) (reminder.Reminder, error) {
	defer f.maybeCompact()
	return f.memoryStore.UpdateReminderIf(ctx, id, exp, p)
}

func (f *fileStore) CreateClient(ctx context.Context, in NewClient) (reminder.Client, error) {
	defer f.maybeCompact()
	return f.memoryStore.CreateClient(ctx, in)
}

func (f *fileStore) AppendLog(ctx context.Context, e reminder.LogEntry) error {
	defer f.maybeCompact()
	return f.memoryStore.AppendLog(ctx, e)
}

func (f *fileStore) maybeCompact() {
	f.fmu.Lock()
	due := f.writes >= compactEvery
	f.fmu.Unlock()
	if !due {
		return
	}
	if err := f.compact(); err != nil {
		f.log.Warn("journal compaction failed", logx.Err(err))
	}
}

// compact writes the full state to the snapshot and truncates the journal.
// Holding the memory write lock keeps mutations out until both are done.
func (f *fileStore) compact() error {
	f.memoryStore.mu.Lock()
	defer f.memoryStore.mu.Unlock()
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if f.journal == nil {
		return ErrClosed
	}

	snap := Export{
		ExportedAt: f.memoryStore.now(),
		Clients:    f.memoryStore.clients,
		Reminders:  f.memoryStore.reminders,
		Logs:       f.memoryStore.logs,
	}
	tmp := f.snapshotPath + ".tmp"
	w, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := f.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	f.writes = 0
	return nil
}

func (f *fileStore) Close() error {
	_ = f.memoryStore.Close()
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if f.journal == nil {
		return nil
	}
	err := f.journal.Close()
	f.journal = nil
	return err
}

func loadSnapshot(path string, m *memoryStore) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	var snap Export
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Clients {
		m.load(record{Kind: kindClient, Client: &snap.Clients[i]})
	}
	for i := range snap.Reminders {
		m.load(record{Kind: kindReminder, Reminder: &snap.Reminders[i]})
	}
	for i := range snap.Logs {
		m.load(record{Kind: kindLog, Log: &snap.Logs[i]})
	}
	return nil
}

// replayJournal applies journal records in order. A torn trailing line from a
// crash is skipped.
func replayJournal(path string, m *memoryStore) (int, error) {
	r, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	n := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		m.load(rec)
		n++
	}
	return n, sc.Err()
}
