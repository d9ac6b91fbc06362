package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by rcbot components.
const (
	FeedCycle  = "feed.cycle"  // Data: FeedCycleData
	FeedFault  = "feed.fault"  // Data: FeedFaultData
	FeedPrimed = "feed.primed" // Data: FeedCycleData

	TaskStarted = "task.started"
	TaskSkipped = "task.skipped"
	TaskSuccess = "task.success"
	TaskFailed  = "task.failed"

	NotifierQueued  = "notifier.queued"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"
	NotifierDeduped = "notifier.deduped"

	ConfigReloaded = "config.reloaded"
)

type FeedCycleData struct {
	Feed  string `json:"feed"`
	Lines int    `json:"lines"`
}

type FeedFaultData struct {
	Feed  string `json:"feed"`
	Error string `json:"error"`
}

// Event is a small in-memory signal. Data should be JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the bus counts the drop.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
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
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (Nop) Dropped() uint64 { return 0 }
