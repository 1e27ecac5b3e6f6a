// Package filewatch turns raw filesystem events into debounced batches of
// changed packages for watch mode. Events inside always-ignored directories
// (VCS metadata, node_modules, the cache/log dir) never surface.
package filewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"orchard/internal/logging"
	"orchard/internal/workspace"
)

// DefaultDebounce batches rapid event bursts (editor save storms, package
// manager installs) into one rebuild trigger.
const DefaultDebounce = 500 * time.Millisecond

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".orchard":     true,
}

// Batch is one debounced set of observed changes.
type Batch struct {
	// Packages holds the names of workspace packages with changed files,
	// sorted.
	Packages []string
	// Paths holds the absolute paths of the changed files, sorted. Used to
	// invalidate file-hash caches.
	Paths []string
	// RootChanged is set when a file outside any package changed (root
	// config, lockfile); such changes invalidate every task hash.
	RootChanged bool
}

// Watcher converts fsnotify events over a workspace tree into Batches.
type Watcher struct {
	ws       *workspace.Graph
	debounce time.Duration
	log      *logging.Logger

	fsw     *fsnotify.Watcher
	batches chan Batch

	mu          sync.Mutex
	closed      bool
	timer       *time.Timer
	pendingPkg  map[string]bool
	pendingPath map[string]bool
	pendingRoot bool

	wg sync.WaitGroup
}

// New builds a watcher over every package directory in ws plus the
// workspace root. debounce <= 0 selects DefaultDebounce.
func New(ws *workspace.Graph, debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logging.Discard()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w := &Watcher{
		ws:          ws,
		debounce:    debounce,
		log:         log,
		fsw:         fsw,
		batches:     make(chan Batch, 8),
		pendingPkg:  map[string]bool{},
		pendingPath: map[string]bool{},
	}

	if err := fsw.Add(ws.Root()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", ws.Root(), err)
	}
	for _, name := range ws.Names() {
		if err := w.addTree(ws.PackageDir(name)); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree registers dir and every non-ignored subdirectory. fsnotify watches
// are not recursive, so new directories are added as they appear.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk in a live tree.
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Batches delivers debounced change sets. The channel closes when the
// watcher shuts down.
func (w *Watcher) Batches() <-chan Batch { return w.batches }

// Start launches the event loop. The loop ends when ctx is cancelled or the
// watcher is closed.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Close tears the watcher down and closes the batch channel once the loop
// drains.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		// Fence off late timer flushes before the channel closes.
		w.mu.Lock()
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		close(w.batches)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.handleEvent(event)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Errorf("watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	if ignored(path) {
		return
	}

	// Keep coverage over directories created after startup.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addTree(path); err != nil {
				w.log.Warnf("failed to extend watch to %s: %v", path, err)
			}
		}
	}

	pkg, ok := w.packageFor(path)
	w.log.Debugf("change %s (package=%q root=%v)", path, pkg, !ok)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingPath[path] = true
	if ok {
		w.pendingPkg[pkg] = true
	} else {
		w.pendingRoot = true
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.pendingPath) == 0 {
		return
	}
	batch := Batch{RootChanged: w.pendingRoot}
	for pkg := range w.pendingPkg {
		batch.Packages = append(batch.Packages, pkg)
	}
	for path := range w.pendingPath {
		batch.Paths = append(batch.Paths, path)
	}
	sort.Strings(batch.Packages)
	sort.Strings(batch.Paths)

	select {
	case w.batches <- batch:
		w.pendingPkg = map[string]bool{}
		w.pendingPath = map[string]bool{}
		w.pendingRoot = false
	default:
		// Consumer is behind; keep the accumulated set and try again
		// after another debounce window.
		w.timer = time.AfterFunc(w.debounce, w.flush)
	}
}

// packageFor maps an absolute path to the workspace package whose directory
// contains it, preferring the deepest match. ok is false for paths outside
// every package (root-level files).
func (w *Watcher) packageFor(path string) (string, bool) {
	best := ""
	bestLen := -1
	for _, name := range w.ws.Names() {
		dir := w.ws.PackageDir(name)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			if len(dir) > bestLen {
				best, bestLen = name, len(dir)
			}
		}
	}
	return best, bestLen >= 0
}

// ignored reports whether any element of path is an always-skipped
// directory.
func ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if skippedDirs[part] {
			return true
		}
	}
	return false
}
