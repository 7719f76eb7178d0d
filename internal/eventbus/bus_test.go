package eventbus

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New(8)

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	e := Event{Type: TypeUnitUpdate, Unit: "date.5s.sh", Data: "12:00:00"}
	b.Publish(e)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != e.Type || got.Unit != e.Unit || got.Data != e.Data {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
			if got.Time.IsZero() {
				t.Fatalf("subscriber %d: Publish must stamp a zero Time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New(8)

	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped, not blocked

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
	if got := (<-ch).Type; got != "a" {
		t.Fatalf("delivered = %q, want the first event", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New(8)

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Publishing after an unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}

func TestRecentOldestFirst(t *testing.T) {
	t.Parallel()
	b := New(4)

	for i := 0; i < 6; i++ {
		b.Publish(Event{Type: fmt.Sprintf("e%d", i)})
	}

	got := b.Recent(0)
	if len(got) != 4 {
		t.Fatalf("retained = %d, want keep bound 4", len(got))
	}
	for i, e := range got {
		if want := fmt.Sprintf("e%d", i+2); e.Type != want {
			t.Fatalf("Recent[%d] = %q, want %q", i, e.Type, want)
		}
	}

	if got := b.Recent(2); len(got) != 2 || got[0].Type != "e4" || got[1].Type != "e5" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	if got := b.Recent(10); len(got) != 4 {
		t.Fatalf("Recent(10) = %d events, want 4", len(got))
	}
}

func TestRecentEmpty(t *testing.T) {
	t.Parallel()
	b := New(0) // default keep

	if got := b.Recent(0); len(got) != 0 {
		t.Fatalf("Recent on empty bus = %+v", got)
	}
	b.Publish(Event{Type: "only"})
	if got := b.Recent(0); len(got) != 1 || got[0].Type != "only" {
		t.Fatalf("Recent = %+v", got)
	}
}
