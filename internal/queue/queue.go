// Package queue executes invocation tasks with strict per-key
// serialization: at most one running and one pending task per key. A new
// submission replaces (and cancels) the pending one; a task that has started
// always runs to completion. Cross-key parallelism is capped by an optional
// worker limit, unbounded by default.
package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"scriptbar/pkg/logx"
)

// ErrClosed reports a Submit after Stop.
var ErrClosed = errors.New("queue closed")

type Config struct {
	Workers int // max parallel tasks across keys; 0 = unbounded
}

type task struct {
	id        string
	key       string
	run       func(ctx context.Context)
	cancelled atomic.Bool
}

// Service is the invocation queue.
type Service struct {
	log logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*task
	running map[string]*task
	closed  bool
	wg      sync.WaitGroup

	sem *capSem
}

func New(cfg Config, log logx.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:     log.With(logx.String("component", "queue")),
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]*task{},
		running: map[string]*task{},
		sem:     newCapSem(cfg.Workers),
	}
}

// Submit enqueues run under key and returns the task id.
//
// If a pending task for the key exists it is cancelled and replaced; if
// nothing is running for the key the task starts immediately, otherwise it
// waits in the key's single pending slot.
func (s *Service) Submit(key string, run func(ctx context.Context)) (string, error) {
	if key == "" {
		return "", errors.New("queue: empty key")
	}
	if run == nil {
		return "", errors.New("queue: nil task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	t := &task{id: uuid.NewString(), key: key, run: run}
	if old := s.pending[key]; old != nil {
		old.cancelled.Store(true)
	}
	if s.running[key] == nil {
		delete(s.pending, key)
		s.running[key] = t
		s.wg.Add(1)
		go s.execute(t)
	} else {
		s.pending[key] = t
	}
	return t.id, nil
}

// CancelPending drops the pending task for key, if any. Running tasks are
// never touched; they finish on their own.
func (s *Service) CancelPending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pending[key]
	if t == nil {
		return false
	}
	t.cancelled.Store(true)
	delete(s.pending, key)
	return true
}

func (s *Service) execute(t *task) {
	defer s.wg.Done()

	// Cooperative cancellation: checked before launch, never after.
	if !t.cancelled.Load() {
		s.sem.acquire()
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Error("invocation task panic",
						logx.String("key", t.key),
						logx.String("task", t.id),
						logx.Any("panic", rec),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			t.run(s.ctx)
		}()
		s.sem.release()
	}

	s.finish(t)
}

// finish releases the key's running slot and promotes its pending task.
func (s *Service) finish(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[t.key] == t {
		delete(s.running, t.key)
	}
	next := s.pending[t.key]
	if next == nil {
		return
	}
	delete(s.pending, t.key)
	if s.closed {
		next.cancelled.Store(true)
		return
	}
	s.running[t.key] = next
	s.wg.Add(1)
	go s.execute(next)
}

// SetWorkers adjusts the cross-key parallelism cap. Takes effect for task
// launches from now on; tasks already running are unaffected.
func (s *Service) SetWorkers(n int) { s.sem.setCap(n) }

// Stop cancels all pending tasks and waits for running ones to complete,
// bounded by ctx. Tasks that have not launched their process yet see a
// cancelled context and skip the launch.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for k, t := range s.pending {
		t.cancelled.Store(true)
		delete(s.pending, k)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reports queue occupancy for logs and the API.
type Snapshot struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Workers int `json:"workers"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Pending: len(s.pending),
		Running: len(s.running),
		Workers: s.sem.capNow(),
	}
}

// capSem is a resizable counting semaphore. cap 0 means unbounded.
type capSem struct {
	mu   sync.Mutex
	cond *sync.Cond
	cap  int
	used int
}

func newCapSem(cap int) *capSem {
	s := &capSem{cap: cap}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *capSem) acquire() {
	s.mu.Lock()
	for s.cap > 0 && s.used >= s.cap {
		s.cond.Wait()
	}
	s.used++
	s.mu.Unlock()
}

func (s *capSem) release() {
	s.mu.Lock()
	s.used--
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *capSem) setCap(n int) {
	s.mu.Lock()
	s.cap = n
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *capSem) capNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap
}
