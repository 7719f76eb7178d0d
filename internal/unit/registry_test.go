package unit

import (
	"errors"
	"testing"
)

func TestRegistryAddGetRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	u := New("a.5s.sh", "/p/a.5s.sh")
	if err := r.Add(u); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := r.Add(New("a.5s.sh", "/elsewhere/a.5s.sh")); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Add err = %v, want ErrExists", err)
	}

	got, ok := r.Get("a.5s.sh")
	if !ok || got != u {
		t.Fatalf("Get = (%v, %v)", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}

	if rem := r.Remove("a.5s.sh"); rem != u {
		t.Fatalf("Remove = %v", rem)
	}
	if rem := r.Remove("a.5s.sh"); rem != nil {
		t.Fatalf("second Remove = %v, want nil", rem)
	}
	if _, ok := r.Get("a.5s.sh"); ok {
		t.Fatal("unit still present after Remove")
	}
}

func TestRegistryIDsAndSnapshotsSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, id := range []string{"c.sh", "a.sh", "b.sh"} {
		if err := r.Add(New(id, "/p/"+id)); err != nil {
			t.Fatal(err)
		}
	}

	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "a.sh" || ids[2] != "c.sh" {
		t.Fatalf("IDs = %v", ids)
	}

	snaps := r.Snapshots()
	if len(snaps) != 3 || snaps[0].ID != "a.sh" || snaps[2].ID != "c.sh" {
		t.Fatalf("Snapshots order = %v", snaps)
	}
}

func TestRegistryNotifyFanout(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	ch1, unsub1 := r.Subscribe(4)
	ch2, unsub2 := r.Subscribe(4)
	defer unsub2()

	content := "fresh\n"
	r.Notify("a.sh", &content)

	for i, ch := range []<-chan Update{ch1, ch2} {
		select {
		case up := <-ch:
			if up.ID != "a.sh" || up.Content == nil || *up.Content != content {
				t.Fatalf("subscriber %d got %+v", i, up)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	// Unsubscribed channels are closed and no longer receive.
	unsub1()
	unsub1() // idempotent
	r.Notify("a.sh", nil)
	if up, ok := <-ch1; ok {
		t.Fatalf("closed subscriber received %+v", up)
	}

	select {
	case up := <-ch2:
		if up.Content != nil {
			t.Fatalf("want nil content, got %+v", up)
		}
	default:
		t.Fatal("live subscriber missed update")
	}
}

func TestRegistryNotifyDropsWhenFull(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	ch, unsub := r.Subscribe(1)
	defer unsub()

	v := "x"
	r.Notify("a.sh", &v)
	r.Notify("a.sh", &v) // buffer full: dropped, not blocking

	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}
