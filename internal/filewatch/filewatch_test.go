package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orchard/internal/workspace"
)

const testDebounce = 50 * time.Millisecond

func setupWatcher(t *testing.T) (string, *Watcher) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := workspace.NewGraph(root, []workspace.Package{
		{Name: "a", Dir: "a", Scripts: map[string]string{"build": "x"}},
		{Name: "b", Dir: "b", Scripts: map[string]string{"build": "x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	w, err := New(ws, testDebounce, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return root, w
}

func waitBatch(t *testing.T, w *Watcher) Batch {
	t.Helper()
	select {
	case b, ok := <-w.Batches():
		if !ok {
			t.Fatal("batch channel closed unexpectedly")
		}
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}
	return Batch{}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestWatcherReportsChangedPackage(t *testing.T) {
	root, w := setupWatcher(t)

	target := filepath.Join(root, "a", "main.go")
	if err := os.WriteFile(target, []byte("package a"), 0o644); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, w)
	if !containsString(batch.Packages, "a") {
		t.Errorf("packages = %v, want to include a", batch.Packages)
	}
	if containsString(batch.Packages, "b") {
		t.Errorf("packages = %v, b did not change", batch.Packages)
	}
	if !containsString(batch.Paths, target) {
		t.Errorf("paths = %v, want to include %s", batch.Paths, target)
	}
	if batch.RootChanged {
		t.Error("RootChanged = true for a package-level write")
	}
}

func TestWatcherReportsRootChange(t *testing.T) {
	root, w := setupWatcher(t)

	if err := os.WriteFile(filepath.Join(root, "orchard.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, w)
	if !batch.RootChanged {
		t.Error("RootChanged = false for a root-level write")
	}
	if len(batch.Packages) != 0 {
		t.Errorf("packages = %v, want none", batch.Packages)
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	root, w := setupWatcher(t)

	files := []string{"one.txt", "two.txt", "three.txt"}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(root, "b", f), []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	batch := waitBatch(t, w)
	for _, f := range files {
		if !containsString(batch.Paths, filepath.Join(root, "b", f)) {
			t.Errorf("paths = %v, missing %s", batch.Paths, f)
		}
	}
	if !containsString(batch.Packages, "b") {
		t.Errorf("packages = %v", batch.Packages)
	}
}

func TestWatcherIgnoresSkippedDirs(t *testing.T) {
	root, w := setupWatcher(t)

	if err := os.MkdirAll(filepath.Join(root, "a", "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the ignored event time to be (not) processed, then trigger a
	// real change.
	time.Sleep(3 * testDebounce)
	target := filepath.Join(root, "a", "src.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, w)
	for _, p := range batch.Paths {
		if filepath.Base(p) == "node_modules" {
			t.Errorf("ignored directory surfaced in %v", batch.Paths)
		}
	}
	if !containsString(batch.Paths, target) {
		t.Errorf("paths = %v, want %s", batch.Paths, target)
	}
}

func TestWatcherExtendsToNewDirectories(t *testing.T) {
	root, w := setupWatcher(t)

	sub := filepath.Join(root, "a", "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// First batch covers the directory creation; once received, the new
	// directory is under watch.
	waitBatch(t, w)

	target := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(target, []byte("deep"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := waitBatch(t, w)
	if !containsString(batch.Paths, target) {
		t.Errorf("paths = %v, want nested file", batch.Paths)
	}
	if !containsString(batch.Packages, "a") {
		t.Errorf("packages = %v", batch.Packages)
	}
}

func TestWatcherCloseEndsBatches(t *testing.T) {
	_, w := setupWatcher(t)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-w.Batches():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Error("batch channel did not close")
	}
}
