package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitErr(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestGoErrorCancelsWhenConfigured(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("boom", func(context.Context) error { return errors.New("bad") })

	err := waitErr(t, s)
	if err == nil || !strings.Contains(err.Error(), "boom: bad") {
		t.Fatalf("Wait = %v, want named error", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("first error should cancel the supervisor context")
	}
}

func TestGoErrorWithoutCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	s.Go("boom", func(context.Context) error { return errors.New("bad") })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Err() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	if s.Err() == nil {
		t.Fatal("error never recorded")
	}
	if s.Context().Err() != nil {
		t.Fatal("context cancelled without WithCancelOnError")
	}
	_ = s.Stop(context.Background())
}

func TestGoCleanExitAndCanceledAreQuiet(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("clean", func(context.Context) error { return nil })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s.Cancel()
	if err := waitErr(t, s); err != nil {
		t.Fatalf("Wait = %v, want nil for clean and canceled exits", err)
	}
}

func TestGoPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("explode", func(context.Context) error { panic("kaboom") })

	err := waitErr(t, s)
	if err == nil || !strings.Contains(err.Error(), "panic in explode") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("panic should cancel the supervisor context")
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		s.Go0("hold", func(context.Context) { <-release })
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Counters().Active != 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if c := s.Counters(); c.Active != 2 || c.Started != 2 {
		t.Fatalf("counters = %+v", c)
	}

	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters after stop = %+v", c)
	}

	var nilSup *Supervisor
	if c := nilSup.Counters(); c.Active != 0 || c.Started != 0 {
		t.Fatalf("nil counters = %+v", c)
	}
}

func TestGoNilFnIsNoop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("nothing", nil)
	s.Go0("nothing", nil)
	s.GoRestart("nothing", nil)
	if c := s.Counters(); c.Started != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRestartKeepsRestarting(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int64
	s.GoRestart("flappy", func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && runs.Load() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := runs.Load(); got < 3 {
		t.Fatalf("runs = %d, want >= 3", got)
	}
	if s.Err() != nil {
		t.Fatalf("Err = %v, restart errors are not published by default", s.Err())
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGoRestartPublishesFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	s.GoRestart("flappy", func(context.Context) error {
		return errors.New("transient")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithPublishFirstError(true),
	)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Err() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	err := s.Err()
	if err == nil || !strings.Contains(err.Error(), "flappy: transient") {
		t.Fatalf("Err = %v", err)
	}
	if s.Context().Err() != nil {
		t.Fatal("publish-first-error must not cancel")
	}
	s.Cancel()
	_ = s.Wait(context.Background())
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int64
	s.GoRestart("oneshot", func(context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (clean exit stops the loop)", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	var runs atomic.Int64
	s.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)

	err := waitErr(t, s)
	if err == nil || !strings.Contains(err.Error(), "doomed: always") {
		t.Fatalf("Wait = %v", err)
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if s.Context().Err() == nil {
		t.Fatal("final error should cancel with cancel-on-error set")
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int64
	s.GoRestart("loop", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && runs.Load() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	s.Cancel()
	if err := waitErr(t, s); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}

	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
