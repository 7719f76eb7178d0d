package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "scriptbar/pkg/logx"
)

func openTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for enabled driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileDisabledRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scriptbar.db")

	st := openTestStore(t, Config{Driver: "file", Path: path})

	if dis, err := st.IsDisabled(ctx, "date.5s.sh"); err != nil || dis {
		t.Fatalf("fresh store IsDisabled = (%v, %v)", dis, err)
	}
	if err := st.SetDisabled(ctx, "date.5s.sh", true); err != nil {
		t.Fatalf("SetDisabled error: %v", err)
	}
	if err := st.SetDisabled(ctx, "disk.sh", true); err != nil {
		t.Fatalf("SetDisabled error: %v", err)
	}
	if err := st.SetDisabled(ctx, "disk.sh", false); err != nil {
		t.Fatalf("SetDisabled error: %v", err)
	}

	if dis, _ := st.IsDisabled(ctx, "date.5s.sh"); !dis {
		t.Fatal("date.5s.sh should be disabled")
	}
	if dis, _ := st.IsDisabled(ctx, "disk.sh"); dis {
		t.Fatal("disk.sh should be re-enabled")
	}
	ids, err := st.DisabledIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "date.5s.sh" {
		t.Fatalf("DisabledIDs = %v", ids)
	}

	// Survives a reopen.
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	st2 := openTestStore(t, Config{Driver: "file", Path: path})
	if dis, _ := st2.IsDisabled(ctx, "date.5s.sh"); !dis {
		t.Fatal("disabled id lost across reopen")
	}
}

func TestFileEventsTailAndReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scriptbar.db")
	keep := 8

	st := openTestStore(t, Config{Driver: "file", Path: path, EventsKeep: keep})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		e := Event{
			At:    base.Add(time.Duration(i) * time.Second),
			Kind:  "unit.update",
			Unit:  "date.5s.sh",
			Value: fmt.Sprintf("tick %d", i),
		}
		if err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
	}

	evs, err := st.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != keep {
		t.Fatalf("RecentEvents len = %d, want %d", len(evs), keep)
	}
	// Oldest first, tail of the stream.
	if evs[0].Value != "tick 12" || evs[keep-1].Value != "tick 19" {
		t.Fatalf("tail = [%s .. %s]", evs[0].Value, evs[len(evs)-1].Value)
	}

	evs, err = st.RecentEvents(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 || evs[0].Value != "tick 17" {
		t.Fatalf("limited tail = %v", evs)
	}

	// The tail is reloaded on reopen.
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	st2 := openTestStore(t, Config{Driver: "file", Path: path, EventsKeep: keep})
	evs, err = st2.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != keep || evs[keep-1].Value != "tick 19" {
		t.Fatalf("reloaded tail = %v", evs)
	}
}

func TestFileEventLogCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "scriptbar.db")
	keep := 4

	st := openTestStore(t, Config{Driver: "file", Path: path, EventsKeep: keep})

	for i := 0; i < 50; i++ {
		if err := st.AppendEvent(ctx, Event{Kind: "unit.refresh", Unit: "u", Value: strings.Repeat("v", 50)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "scriptbar.events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Count(string(raw), "\n")
	// Compaction rewrites the file from the ring; at most keep*2 lines can
	// accumulate between compactions.
	if lines > keep*2 {
		t.Fatalf("event log holds %d lines, want <= %d after compaction", lines, keep*2)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
