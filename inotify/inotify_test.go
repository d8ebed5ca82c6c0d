package inotify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddBeforeInitFails(t *testing.T) {
	w := New()
	if err := w.Add("/tmp", 0); err == nil {
		t.Error("Add before Init should fail")
	}
}

func TestAddNonexistentPathIsNoop(t *testing.T) {
	w := New()
	if _, err := w.Init(func(Event) {}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer w.Teardown()

	if err := w.Add("/does/not/exist/at/all", 0); err != nil {
		t.Errorf("Add on missing path should succeed (retry later): %v", err)
	}
	if w.FindByPath("/does/not/exist/at/all") {
		t.Error("missing path should not be recorded as watched")
	}
}

func TestWatchAndDeliverEvent(t *testing.T) {
	dir := t.TempDir()
	w := New()

	events := make(chan Event, 8)
	fd, err := w.Init(func(e Event) { events <- e })
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer w.Teardown()
	_ = fd

	if err := w.Add(dir, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	target := filepath.Join(dir, "finit.conf")
	if err := os.WriteFile(target, []byte("runlevel 3\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// Drive the poll loop briefly instead of wiring a full event loop: the
	// watcher's Poll method is exactly what the loop's fd callback invokes.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.Poll()
		select {
		case ev := <-events:
			if ev.Path != target {
				t.Errorf("event path = %q, want %q", ev.Path, target)
			}
			return
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatal("no inotify event observed within deadline")
}

func TestDeleteWatch(t *testing.T) {
	dir := t.TempDir()
	w := New()
	if _, err := w.Init(func(Event) {}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer w.Teardown()

	if err := w.Add(dir, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !w.FindByPath(dir) {
		t.Fatal("expected dir to be watched")
	}
	if err := w.Delete(dir); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if w.FindByPath(dir) {
		t.Error("expected dir to no longer be watched after Delete")
	}
}

func TestTeardown(t *testing.T) {
	w := New()
	if _, err := w.Init(func(Event) {}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := w.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := w.Add("/tmp", 0); err == nil {
		t.Error("Add after Teardown should fail")
	}
}
