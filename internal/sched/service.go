// Package sched is the scheduler: it owns one timer slot per unit, turns
// timer fires and manual refreshes into queued invocations, applies results,
// and re-arms after every completion.
//
// Timer discipline per unit: {Unarmed} -> enableTimer -> {Armed} -> (fire |
// disable | refresh) -> {Unarmed}. An absolute one-shot fire time always
// wins over the repeating interval and is consumed by its fire. Stale timer
// callbacks are rejected with per-unit version counters.
package sched

import (
	"errors"
	"sync"
	"time"

	"scriptbar/internal/clock"
	"scriptbar/internal/eventbus"
	"scriptbar/internal/queue"
	"scriptbar/internal/runner"
	"scriptbar/internal/schedule"
	"scriptbar/internal/storage"
	"scriptbar/internal/unit"
	"scriptbar/pkg/logx"
)

// ErrNotFound reports an operation on an id the registry does not hold.
var ErrNotFound = errors.New("unit not found")

type fireKind int

const (
	fireInterval fireKind = iota // self-chains on the same version
	fireOnce                     // cron occurrence; completion recomputes
	fireAbsolute                 // consumes the unit's one-shot override
)

// Service drives the units.
type Service struct {
	log logx.Logger

	reg   *unit.Registry
	q     *queue.Service
	run   runner.Runner
	store storage.Store // nil when storage is disabled
	clk   clock.Clock
	bus   eventbus.Bus

	mu     sync.Mutex
	timers map[string]clock.Timer
	vers   map[string]uint64
	closed bool
}

func New(reg *unit.Registry, q *queue.Service, run runner.Runner, store storage.Store, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		log:    log.With(logx.String("component", "sched")),
		reg:    reg,
		q:      q,
		run:    run,
		store:  store,
		clk:    clk,
		bus:    bus,
		timers: map[string]clock.Timer{},
		vers:   map[string]uint64{},
	}
}

// Registry exposes the unit registry for read surfaces (API, logs).
func (s *Service) Registry() *unit.Registry { return s.reg }

// Stop disarms every timer and rejects callbacks already in flight.
// Queued invocations are the queue's to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id := range s.vers {
		s.vers[id]++
	}
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// enableTimer arms the unit's next activation. Idempotent: an armed unit
// stays armed, except that a live absolute override always replaces the
// current timer (absolute wins, and is never combined with the interval).
func (s *Service) enableTimer(id string) {
	u, ok := s.reg.Get(id)
	if !ok {
		return
	}
	if u.State() == unit.StateDisabled {
		return
	}

	now := s.clk.Now()
	at := u.NextFire()
	cfg := u.Config()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Re-check under the lock: Disable sets the state first and disarms
	// second, so an arm that saw the old state must not slip in after the
	// disarm.
	if u.State() == unit.StateDisabled {
		return
	}

	if !at.IsZero() {
		delay := at.Sub(now)
		if delay < 0 {
			delay = 0
		}
		s.armLocked(id, delay, fireAbsolute)
		return
	}

	if _, armed := s.timers[id]; armed {
		return
	}

	delay, oneShot, err := cfg.Plan.Delay(now)
	if err != nil {
		// Cron is validated at metadata load; reaching this means the
		// expression rotted since. Degrade to the interval.
		s.log.Warn("cron schedule failed, using interval",
			logx.String("unit", id), logx.Err(err))
		delay, oneShot = cfg.Plan.Every, false
	}
	if delay >= schedule.Never {
		return
	}
	kind := fireInterval
	if oneShot {
		kind = fireOnce
	}
	s.armLocked(id, delay, kind)
}

// disableTimer cancels the unit's timer. Idempotent.
func (s *Service) disableTimer(id string) {
	s.mu.Lock()
	s.disarmLocked(id)
	s.mu.Unlock()
}

func (s *Service) armLocked(id string, delay time.Duration, kind fireKind) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	ver := s.vers[id] + 1
	s.vers[id] = ver
	s.timers[id] = s.clk.AfterFunc(delay, func() { s.fire(id, ver, kind, delay) })
}

func (s *Service) disarmLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	// Bump so callbacks from the stopped timer are rejected even if they
	// were already past Stop.
	s.vers[id]++
}

// fire is the timer callback.
func (s *Service) fire(id string, ver uint64, kind fireKind, every time.Duration) {
	s.mu.Lock()
	if s.closed || s.vers[id] != ver {
		s.mu.Unlock()
		return
	}
	switch kind {
	case fireInterval:
		// Fire does not disarm a repeating timer: chain the next tick on
		// the same version.
		s.timers[id] = s.clk.AfterFunc(every, func() { s.fire(id, ver, kind, every) })
	default:
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if kind == fireAbsolute {
		if u, ok := s.reg.Get(id); ok {
			// Cleared before the next scheduling decision so the override
			// applies to exactly this fire.
			u.ConsumeNextFire()
		}
	}
	s.submit(id)
}

// armed reports whether the unit currently has a live timer (test hook).
func (s *Service) armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}
