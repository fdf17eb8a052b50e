package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock.
//
// Callbacks run synchronously on the goroutine calling Advance or Set, in
// deadline order, without any internal lock held.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*fakeTimer
}

type fakeTimer struct {
	f    *Fake
	id   uint64
	at   time.Time
	fn   func()
	done bool
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now, timers: map[uint64]*fakeTimer{}}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration { return f.Now().Sub(t) }
func (f *Fake) Until(t time.Time) time.Duration { return t.Sub(f.Now()) }

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTimer{f: f, id: f.seq, at: f.now.Add(d), fn: fn}
	f.timers[t.id] = t
	f.mu.Unlock()
	return t
}

// Pending returns the number of armed callbacks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward and runs every callback that became due.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set moves the clock to t and runs every callback due at or before t.
// Moving backwards only changes Now.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	due := make([]*fakeTimer, 0, len(f.timers))
	for id, tm := range f.timers {
		if !tm.at.After(t) {
			tm.done = true
			due = append(due, tm)
			delete(f.timers, id)
		}
	}
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	for _, tm := range due {
		tm.fn()
	}
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	delete(t.f.timers, t.id)
	return true
}
