// Package watcher imports images dropped into inbox directories. Each file's
// parent directory names its category.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 400 * time.Millisecond
	queueSize       = 256
)

// Target receives filesystem changes. The indexer implements it.
type Target interface {
	// Accepts reports whether path is a file the target imports.
	Accepts(path string) bool
	ImportFile(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
}

type opKind int

const (
	opImport opKind = iota
	opRemove
)

type job struct {
	kind opKind
	path string
}

// Watcher watches inbox roots and forwards settled changes to a Target.
// Jobs run one at a time in arrival order.
type Watcher struct {
	target    Target
	recursive bool
	debounce  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	roots   []string
	watched map[string][]string // root -> directories added to fsnotify
	pending map[string]*time.Timer
	fsw     *fsnotify.Watcher
	jobs    chan job
	done    chan struct{}
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must stay quiet before it is imported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over roots. Call Start to begin watching.
func NewWatcher(target Target, roots []string, recursive bool, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		target:    target,
		recursive: recursive,
		debounce:  defaultDebounce,
		logger:    zap.NewNop(),
		watched:   make(map[string][]string),
		pending:   make(map[string]*time.Timer),
	}
	for _, r := range roots {
		w.roots = append(w.roots, filepath.Clean(r))
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Missing roots are created. Jobs run with ctx until
// it is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	for _, root := range w.roots {
		if err := w.watchRootLocked(root); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			w.watched = make(map[string][]string)
			return err
		}
	}
	w.jobs = make(chan job, queueSize)
	w.done = make(chan struct{})
	w.logger.Debug("watcher starting", zap.Strings("roots", w.roots), zap.Bool("recursive", w.recursive))

	w.wg.Add(2)
	go w.events(ctx, fsw, w.done)
	go w.work(ctx, w.jobs, w.done)
	return nil
}

func (w *Watcher) events(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			go w.Stop()
			return
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) work(ctx context.Context, jobs chan job, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case j := <-jobs:
			w.run(ctx, j)
		}
	}
}

func (w *Watcher) run(ctx context.Context, j job) {
	var err error
	switch j.kind {
	case opImport:
		err = w.target.ImportFile(ctx, j.path)
		if errors.Is(err, fs.ErrNotExist) {
			// removed before the import ran
			err = nil
		}
	case opRemove:
		err = w.target.RemoveFile(ctx, j.path)
	}
	if err != nil {
		w.logger.Warn("watcher job failed", zap.String("path", j.path), zap.Error(err))
	}
}

// enqueue hands a job to the worker. It reports false once the watcher is stopped.
func (w *Watcher) enqueue(j job) bool {
	w.mu.Lock()
	jobs, done := w.jobs, w.done
	w.mu.Unlock()
	if jobs == nil {
		return false
	}
	select {
	case jobs <- j:
		return true
	case <-done:
		return false
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	p := filepath.Clean(ev.Name)
	if !w.underRoot(p) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", p))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			w.handleNewDirectory(p)
			return
		}
		if w.target.Accepts(p) {
			w.schedule(p)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(p)
		if w.target.Accepts(p) {
			w.enqueue(job{kind: opRemove, path: p})
		}
	}
}

// handleNewDirectory watches a directory created or moved under a root and
// imports what it already contains. Non-recursive watchers ignore subdirectories.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil || !w.recursive {
		return
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.addWatch(fsw, p)
		}
		return nil
	})
	w.syncDirectory(dir)
}

func (w *Watcher) addWatch(fsw *fsnotify.Watcher, dir string) {
	if err := fsw.Add(dir); err != nil {
		w.logger.Debug("watcher failed to add directory", zap.String("path", dir), zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.roots {
		if inDir(root, dir) {
			w.watched[root] = append(w.watched[root], dir)
			return
		}
	}
}

func (w *Watcher) underRoot(p string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.roots {
		if inDir(root, p) {
			return true
		}
	}
	return false
}

// inDir reports whether path is dir or below it.
func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// schedule imports p once it has been quiet for the debounce interval.
func (w *Watcher) schedule(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[p]; ok {
		t.Stop()
	}
	w.pending[p] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, p)
		w.mu.Unlock()
		w.enqueue(job{kind: opImport, path: p})
	})
}

func (w *Watcher) cancel(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[p]; ok {
		t.Stop()
		delete(w.pending, p)
	}
}

// AddDirectory starts watching root and optionally imports the files it already holds.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	for _, r := range w.roots {
		if r == abs {
			w.mu.Unlock()
			return nil
		}
	}
	if w.fsw != nil {
		if err := w.watchRootLocked(abs); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.roots = append(w.roots, abs)
	started := w.fsw != nil
	w.mu.Unlock()

	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if started && syncExisting {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) watchRootLocked(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	if !w.recursive {
		if err := w.fsw.Add(root); err != nil {
			return err
		}
		w.watched[root] = []string{root}
		return nil
	}
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		dirs = append(dirs, p)
		return nil
	})
	if err != nil {
		for _, d := range dirs {
			_ = w.fsw.Remove(d)
		}
		return err
	}
	w.watched[root] = dirs
	return nil
}

// RemoveDirectory stops watching root. Images already imported from it stay in the catalog.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, r := range w.roots {
		if r != abs {
			continue
		}
		if w.fsw != nil {
			for _, d := range w.watched[abs] {
				_ = w.fsw.Remove(d)
			}
		}
		delete(w.watched, abs)
		w.roots = append(w.roots[:i], w.roots[i+1:]...)
		w.logger.Debug("watcher directory removed", zap.String("path", abs))
		return nil
	}
	return nil
}

// Directories returns a copy of the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles queues every accepted file under the roots for import.
// Unchanged files are skipped by the target.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncDirectory(root)
	}
}

func (w *Watcher) syncDirectory(root string) {
	w.logger.Debug("watcher syncing directory", zap.String("root", root))
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && !w.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if w.target.Accepts(p) && !w.enqueue(job{kind: opImport, path: p}) {
			return filepath.SkipAll
		}
		return nil
	})
}

// Stop stops watching and waits for the running job to finish. Queued jobs are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	_ = w.fsw.Close()
	w.fsw = nil
	close(w.done)
	w.jobs = nil
	w.mu.Unlock()
	w.wg.Wait()
}
