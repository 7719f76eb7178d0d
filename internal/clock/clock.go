// Package clock abstracts timer creation so schedulers can be tested
// against a deterministic fake instead of the wall clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing.
	// It reports whether the call stopped the timer before it fired.
	Stop() bool
}

// Clock creates timers and reads the current time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// ---- system clock ----

type systemClock struct{}

// System returns a Clock backed by the real time package.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool { return s.t.Stop() }

// ---- mock clock ----

// Mock is a manually advanced Clock for tests.
//
// Advance fires due timers synchronously, in deadline order, on the calling
// goroutine. Callbacks run outside the mock's lock so they may create or stop
// timers (re-arming schedulers do exactly that).
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*mockTimer
}

type mockTimer struct {
	m       *Mock
	id      uint64
	at      time.Time
	fn      func()
	stopped bool
}

// NewMock returns a Mock clock frozen at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start, timers: make(map[uint64]*mockTimer)}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &mockTimer{m: m, id: m.seq, at: m.now.Add(d), fn: fn}
	m.timers[t.id] = t
	return t
}

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	_, pending := t.m.timers[t.id]
	delete(t.m.timers, t.id)
	return pending
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls within the window. Timers created by callbacks fire too when they
// land inside the same window.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set jumps the clock to t (monotonically; earlier values only move time).
func (m *Mock) Set(target time.Time) {
	for {
		m.mu.Lock()
		if target.After(m.now) {
			// Fire the earliest due timer first so chained re-arms observe
			// intermediate times in order.
			next := m.nextDueLocked(target)
			if next == nil {
				m.now = target
				m.mu.Unlock()
				return
			}
			if next.at.After(m.now) {
				m.now = next.at
			}
			delete(m.timers, next.id)
			next.stopped = true
			fn := next.fn
			m.mu.Unlock()
			fn()
			continue
		}
		m.mu.Unlock()
		return
	}
}

// nextDueLocked returns the timer with the earliest deadline <= target.
func (m *Mock) nextDueLocked(target time.Time) *mockTimer {
	var due []*mockTimer
	for _, t := range m.timers {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

// Pending reports how many timers are armed.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
