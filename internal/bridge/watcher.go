package bridge

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSizeLimit caps captured file payloads at 200KB; anything larger is
// noise for the compression pipeline (bundles, lockfiles, binaries).
const DefaultSizeLimit = 200_000

// writeDebounce coalesces editor write bursts (save + formatter + linter)
// into one capture per file.
const writeDebounce = 500 * time.Millisecond

var ignoredDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".DS_Store":    {},
	".next":        {},
	"dist":         {},
	"build":        {},
	".turbo":       {},
	".idea":        {},
	".vscode":      {},
}

// Recorder receives filesystem activity from the watcher.
type Recorder interface {
	RecordChange(ctx context.Context, relPath string, size int64, content string) error
	RecordDelete(ctx context.Context, relPath string) error
}

// Watcher monitors a project tree and forwards file writes and deletes to a
// Recorder. On start it primes a baseline of existing files so only changes
// made from now on are captured, never the whole repo.
type Watcher struct {
	root      string
	recorder  Recorder
	sizeLimit int64
	fsw       *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	seen   map[string]bool
}

// NewWatcher creates a Watcher over root. If sizeLimit is <= 0 it defaults
// to DefaultSizeLimit.
func NewWatcher(root string, recorder Recorder, sizeLimit int64) (*Watcher, error) {
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:      root,
		recorder:  recorder,
		sizeLimit: sizeLimit,
		fsw:       fsw,
		logger:    slog.Default(),
		timers:    make(map[string]*time.Timer),
		seen:      make(map[string]bool),
	}, nil
}

// Start walks the tree, registers every non-ignored directory, primes the
// baseline, and begins dispatching events.
func (w *Watcher) Start(ctx context.Context) error {
	watched := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.ignored(path) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err == nil {
				watched++
			}
			return nil
		}
		if w.ignored(path) {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() <= w.sizeLimit {
			w.seen[path] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("bridge watcher started",
		"root", w.root,
		"dirs", watched,
		"baseline_files", len(w.seen),
	)
	return nil
}

// Stop shuts down the watcher and cancels pending captures.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("bridge watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := event.Name
	if w.ignored(path) {
		return
	}

	// New directory inside the tree: start watching it.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			_ = w.fsw.Add(path)
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		if t, ok := w.timers[path]; ok {
			t.Stop()
			delete(w.timers, path)
		}
		tracked := w.seen[path]
		delete(w.seen, path)
		w.mu.Unlock()

		if tracked {
			rel := w.rel(path)
			if err := w.recorder.RecordDelete(ctx, rel); err != nil {
				w.logger.Warn("failed to record delete", "path", rel, "error", err)
			} else {
				w.logger.Info("recorded delete", "path", rel)
			}
		}
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		w.scheduleCapture(ctx, path)
	}
}

func (w *Watcher) scheduleCapture(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(writeDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.capture(ctx, path)
	})
}

func (w *Watcher) capture(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if info.Size() > w.sizeLimit {
		w.logger.Debug("skipping oversized file", "path", w.rel(path), "bytes", info.Size())
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	w.seen[path] = true
	w.mu.Unlock()

	rel := w.rel(path)
	if err := w.recorder.RecordChange(ctx, rel, info.Size(), string(content)); err != nil {
		w.logger.Warn("failed to record change", "path", rel, "error", err)
		return
	}
	w.logger.Info("captured change", "path", rel, "bytes", info.Size())
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return rel
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if _, ok := ignoredDirs[part]; ok {
			return true
		}
	}
	return false
}
