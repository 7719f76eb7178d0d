package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scriptbar/pkg/logx"
)

type hookLog struct {
	mu      sync.Mutex
	adds    []string
	changes []string
	removes []string
	paths   map[string]string
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnAdd: func(_ context.Context, id, path string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.adds = append(h.adds, id)
			if h.paths == nil {
				h.paths = map[string]string{}
			}
			h.paths[id] = path
		},
		OnChange: func(_ context.Context, id, _ string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.changes = append(h.changes, id)
		},
		OnRemove: func(_ context.Context, id string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removes = append(h.removes, id)
		},
	}
}

func (h *hookLog) counts() (adds, changes, removes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.adds), len(h.changes), len(h.removes)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanDiffsAgainstPreviousPass(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	h := &hookLog{}
	s := New(Config{Dir: dir}, h.hooks(), logx.Nop())

	writeScript(t, dir, "date.5s.sh", "#!/bin/sh\ndate\n")
	writeScript(t, dir, "disk.sh", "#!/bin/sh\ndf\n")
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if adds, changes, removes := h.counts(); adds != 2 || changes != 0 || removes != 0 {
		t.Fatalf("after first scan: adds=%d changes=%d removes=%d", adds, changes, removes)
	}
	if got := h.paths["date.5s.sh"]; got != filepath.Join(dir, "date.5s.sh") {
		t.Fatalf("add path = %q", got)
	}

	// Unchanged content: no hooks.
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if adds, changes, removes := h.counts(); adds != 2 || changes != 0 || removes != 0 {
		t.Fatalf("after idle scan: adds=%d changes=%d removes=%d", adds, changes, removes)
	}

	// A rewrite with different size is a change.
	writeScript(t, dir, "date.5s.sh", "#!/bin/sh\ndate '+%H:%M'\n")
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if adds, changes, removes := h.counts(); adds != 2 || changes != 1 || removes != 0 {
		t.Fatalf("after rewrite: adds=%d changes=%d removes=%d", adds, changes, removes)
	}

	// Deletion fires the remove hook.
	if err := os.Remove(filepath.Join(dir, "disk.sh")); err != nil {
		t.Fatal(err)
	}
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if adds, changes, removes := h.counts(); adds != 2 || changes != 1 || removes != 1 {
		t.Fatalf("after delete: adds=%d changes=%d removes=%d", adds, changes, removes)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removes[0] != "disk.sh" {
		t.Fatalf("removed = %v", h.removes)
	}
}

func TestScanSkipsNonPlugins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	writeScript(t, dir, "real.5s.sh", "#!/bin/sh\n")
	writeScript(t, dir, ".hidden.sh", "#!/bin/sh\n")
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "real.5s.sh"), filepath.Join(dir, "linked.sh")); err != nil {
		t.Fatal(err)
	}

	h := &hookLog{}
	s := New(Config{Dir: dir}, h.hooks(), logx.Nop())
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.adds) != 1 || h.adds[0] != "real.5s.sh" {
		t.Fatalf("adds = %v, want only the regular script", h.adds)
	}
}

func TestScanMissingDir(t *testing.T) {
	t.Parallel()
	s := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, Hooks{}, logx.Nop())
	if err := s.Scan(context.Background()); err == nil {
		t.Fatal("scan of a missing directory should error")
	}
}

func TestApplySwapsDirAndRemovesVanished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oldDir, newDir := t.TempDir(), t.TempDir()

	writeScript(t, oldDir, "a.5s.sh", "#!/bin/sh\n")
	writeScript(t, newDir, "b.5s.sh", "#!/bin/sh\n")

	h := &hookLog{}
	s := New(Config{Dir: oldDir}, h.hooks(), logx.Nop())
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	s.Apply(Config{Dir: newDir})
	select {
	case <-s.restart:
	default:
		t.Fatal("dir change should signal a watch restart")
	}

	// The next scan diffs old contents against the new directory.
	if err := s.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.removes) != 1 || h.removes[0] != "a.5s.sh" {
		t.Fatalf("removes = %v", h.removes)
	}
	if len(h.adds) != 2 || h.adds[1] != "b.5s.sh" {
		t.Fatalf("adds = %v", h.adds)
	}
}

func TestApplyIgnoresNoops(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := New(Config{Dir: dir, RescanEvery: time.Minute}, Hooks{}, logx.Nop())

	s.Apply(Config{Dir: dir, RescanEvery: time.Minute})
	select {
	case <-s.restart:
		t.Fatal("unchanged config signalled a restart")
	default:
	}

	// Empty dir means "keep the current one".
	s.Apply(Config{Dir: "  ", RescanEvery: time.Minute})
	select {
	case <-s.restart:
		t.Fatal("blank dir signalled a restart")
	default:
	}

	s.Apply(Config{Dir: dir, RescanEvery: 2 * time.Minute})
	select {
	case <-s.restart:
	default:
		t.Fatal("rescan period change should signal a restart")
	}
}

func TestKickCoalesces(t *testing.T) {
	t.Parallel()
	s := New(Config{Dir: t.TempDir()}, Hooks{}, logx.Nop())

	s.Kick()
	s.Kick()
	if got := len(s.kick); got != 1 {
		t.Fatalf("queued kicks = %d, want 1", got)
	}
}

func TestRunReactsToFilesystemEvents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &hookLog{}
	s := New(Config{Dir: dir}, h.hooks(), logx.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the watcher a moment to establish before mutating the dir.
	time.Sleep(100 * time.Millisecond)
	writeScript(t, dir, "late.5s.sh", "#!/bin/sh\n")

	// Debounce (250ms) plus the rescan rate limit can stretch this to a few
	// seconds; poll generously.
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if adds, _, _ := h.counts(); adds >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if adds, _, _ := h.counts(); adds < 1 {
		t.Fatal("watcher never picked up the new plugin")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on context cancel")
	}
}
