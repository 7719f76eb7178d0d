package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Unit carries the plugin id for unit-scoped events ("" for app-level ones).
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Unit string
	Data any
}

// Well-known event types.
const (
	TypeUnitRefresh     = "unit.refresh"
	TypeUnitUpdate      = "unit.update"
	TypeUnitUpdateError = "unit.update_error"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Recent returns up to n of the most recently published events,
	// oldest first. n <= 0 returns everything retained.
	Recent(n int) []Event
}

const defaultKeep = 256

// New returns an in-memory fanout bus that also retains the last keep
// events for late readers (keep <= 0 selects the default).
//
// It intentionally does not own any background goroutines.
func New(keep int) Bus {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &memBus{
		subs: map[uint64]chan Event{},
		ring: make([]Event, keep),
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	// ring is a fixed-size circular buffer; head is the next write slot,
	// size counts how many slots are populated.
	ring []Event
	head int
	size int
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
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
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]Event, 0, n)
	start := b.head - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}
