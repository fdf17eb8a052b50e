package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceRunsDueCallbacksInOrder(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var got []string
	c.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	c.AfterFunc(10*time.Second, func() { got = append(got, "late") })

	c.Advance(5 * time.Second)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", got)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", c.Pending())
	}
	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Now = %v", c.Now())
	}
}

func TestFakeStop(t *testing.T) {
	t.Parallel()
	c := NewFake(time.Unix(0, 0).UTC())
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop on armed timer should report true")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeNegativeDelayFiresOnNextAdvance(t *testing.T) {
	t.Parallel()
	c := NewFake(time.Unix(100, 0).UTC())
	fired := 0
	c.AfterFunc(-time.Hour, func() { fired++ })
	c.Advance(0)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}
