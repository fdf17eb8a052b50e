package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("armed", String("id", "r1"), Err(errors.New("boom")), Err(nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if rec["comp"] != "scheduler" || rec["id"] != "r1" || rec["message"] != "armed" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["err"] != "boom" {
		t.Fatalf("err field = %v", rec["err"])
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered: %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatal("Enabled mismatch")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop is not the zero value")
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := FormatAlert([]byte(`{"level":"error","message":"delivery.anomaly","reminder_id":"r1","client_id":"c1","time":"x"}`))
	want := "[ERROR] delivery.anomaly\n- client_id=c1\n- reminder_id=r1"
	if got != want {
		t.Fatalf("FormatAlert =\n%q\nwant\n%q", got, want)
	}
	if got := FormatAlert([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestServiceForwardsAlertsAboveMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("forwarded", String("reminder_id", "r9"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("alerts = %v", sender.msgs)
	}
	if !strings.Contains(sender.msgs[0], "[ERROR] forwarded") || !strings.Contains(sender.msgs[0], "reminder_id=r9") {
		t.Fatalf("alert = %q", sender.msgs[0])
	}
}
