package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scriptbar/pkg/logx"
)

func newTestQueue(t *testing.T, workers int) *Service {
	t.Helper()
	s := New(Config{Workers: workers}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	if _, err := s.Submit("", func(context.Context) {}); err == nil {
		t.Fatal("empty key accepted")
	}
	if _, err := s.Submit("k", nil); err == nil {
		t.Fatal("nil task accepted")
	}
}

func TestPerKeySerialization(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		runs    int
	)
	release := make(chan struct{})

	body := func(context.Context) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		runs++
		mu.Unlock()

		<-release

		mu.Lock()
		active--
		mu.Unlock()
	}

	if _, err := s.Submit("k", body); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first task running", func() bool { return s.Snapshot().Running == 1 })

	// Second task for the same key waits in the pending slot.
	if _, err := s.Submit("k", body); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.Pending != 1 || snap.Running != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	close(release)
	waitFor(t, "both runs done", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2 && active == 0
	})

	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 1 {
		t.Fatalf("max concurrent for one key = %d, want 1", maxSeen)
	}
}

func TestPendingReplacedAndCancelled(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	release := make(chan struct{})
	var firstRan, secondRan, thirdRan atomic.Bool

	if _, err := s.Submit("k", func(context.Context) { firstRan.Store(true); <-release }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first running", func() bool { return s.Snapshot().Running == 1 })

	if _, err := s.Submit("k", func(context.Context) { secondRan.Store(true) }); err != nil {
		t.Fatal(err)
	}
	// Replaces the pending slot: the second never runs.
	if _, err := s.Submit("k", func(context.Context) { thirdRan.Store(true) }); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.Pending != 1 {
		t.Fatalf("pending = %d, want 1", snap.Pending)
	}

	close(release)
	waitFor(t, "replacement ran", func() bool { return thirdRan.Load() })

	if !firstRan.Load() {
		t.Fatal("running task must complete")
	}
	if secondRan.Load() {
		t.Fatal("replaced pending task must never run")
	}
	waitFor(t, "queue drained", func() bool {
		snap := s.Snapshot()
		return snap.Pending == 0 && snap.Running == 0
	})
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	release := make(chan struct{})
	var cancelled atomic.Bool

	if _, err := s.Submit("k", func(context.Context) { <-release }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool { return s.Snapshot().Running == 1 })
	if _, err := s.Submit("k", func(context.Context) { cancelled.Store(true) }); err != nil {
		t.Fatal(err)
	}

	if !s.CancelPending("k") {
		t.Fatal("CancelPending should report true")
	}
	if s.CancelPending("k") {
		t.Fatal("second CancelPending should report false")
	}
	if s.CancelPending("other") {
		t.Fatal("CancelPending for unknown key should report false")
	}

	close(release)
	waitFor(t, "drained", func() bool { return s.Snapshot().Running == 0 })
	if cancelled.Load() {
		t.Fatal("cancelled pending task ran")
	}
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, key := range []string{"a", "b"} {
		key := key
		if _, err := s.Submit(key, func(context.Context) {
			started <- key
			<-release
		}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("keys did not run in parallel")
		}
	}
	close(release)
}

func TestWorkerCapLimitsParallelism(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 1)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		done    int
	)
	release := make(chan struct{})

	for _, key := range []string{"a", "b", "c"} {
		if _, err := s.Submit(key, func(context.Context) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			<-release

			mu.Lock()
			active--
			done++
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Give the runner goroutines a chance to pile up on the semaphore.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if maxSeen > 1 {
		mu.Unlock()
		t.Fatalf("max parallel = %d, want 1", maxSeen)
	}
	mu.Unlock()

	// Raising the cap releases the waiters.
	s.SetWorkers(0)
	close(release)
	waitFor(t, "all done", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 3
	})
}

func TestStopCancelsPendingAndDrains(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	release := make(chan struct{})
	var pendingRan atomic.Bool
	ctxErrCh := make(chan error, 1)

	if _, err := s.Submit("k", func(ctx context.Context) {
		<-release
		ctxErrCh <- ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool { return s.Snapshot().Running == 1 })
	if _, err := s.Submit("k", func(context.Context) { pendingRan.Store(true) }); err != nil {
		t.Fatal(err)
	}

	stopErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopErr <- s.Stop(ctx)
	}()

	// Stop must wait for the running task.
	select {
	case err := <-stopErr:
		t.Fatalf("Stop returned %v before the running task finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if pendingRan.Load() {
		t.Fatal("pending task ran during Stop")
	}
	// The started task saw a cancelled context (it may only check pre-launch).
	if err := <-ctxErrCh; err == nil {
		t.Fatal("running task should observe cancelled context after Stop")
	}

	if _, err := s.Submit("k", func(context.Context) {}); err != ErrClosed {
		t.Fatalf("Submit after Stop = %v, want ErrClosed", err)
	}
}

func TestStopHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	release := make(chan struct{})
	if _, err := s.Submit("k", func(context.Context) { <-release }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool { return s.Snapshot().Running == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("Stop should report the deadline while a task hangs")
	}
	close(release)
}

func TestTaskPanicIsContained(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	var after atomic.Bool
	if _, err := s.Submit("k", func(context.Context) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	// The key must stay usable after a panic.
	waitFor(t, "panicking task finished", func() bool { return s.Snapshot().Running == 0 })

	if _, err := s.Submit("k", func(context.Context) { after.Store(true) }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "follow-up ran", func() bool { return after.Load() })
}

func TestSubmitReturnsTaskID(t *testing.T) {
	t.Parallel()
	s := newTestQueue(t, 0)

	id1, err := s.Submit("a", func(context.Context) {})
	if err != nil || id1 == "" {
		t.Fatalf("Submit = (%q, %v)", id1, err)
	}
	id2, err := s.Submit("b", func(context.Context) {})
	if err != nil || id2 == "" || id2 == id1 {
		t.Fatalf("Submit ids = (%q, %q)", id1, id2)
	}
}
