// Package eventbus is the in-process fan-out used to observe engine activity
// (scans, wake-ups, delivery outcomes) without coupling the engine to its
// observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypeTimerArmed     = "scheduler.armed"
	TypeTimerFired     = "scheduler.fired"
	TypeScanCompleted  = "poller.scan"
	TypeDeliverySent   = "delivery.sent"
	TypeDeliveryFailed = "delivery.failed"
	TypeDeliverySkip   = "delivery.skipped"
	TypeAnomaly        = "delivery.anomaly"
	TypeConfigReloaded = "config.reloaded"
	TypeTaskFailed     = "task.failed"
	TypeTaskDropped    = "task.dropped"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Slow subscribers drop events.
type Event struct {
	Type       string
	Time       time.Time
	ReminderID string
	Data       any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Removing under the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
