// Package filewatcher reports changes to a set of files, debounced, so that
// editors which write in several steps produce a single notification.
package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches individual files. It subscribes to their parent
// directories, because editors often replace a file by rename and a watch on
// the file itself would be lost.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]struct{} // Cleaned absolute paths
	patterns []string            // Base-name globs matched in the watched directories
	dirs     []string
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(string)

	pendingMu sync.Mutex
	pending   map[string]*time.Timer

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher for files. Options may add glob patterns that match
// further files in the same directories.
func New(files []string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		files:    make(map[string]struct{}),
		logger:   slog.Default(),
		debounce: 300 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	seen := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("filewatcher: %w", err)
		}
		w.files[abs] = struct{}{}
		if dir := filepath.Dir(abs); !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	if len(w.dirs) == 0 {
		return nil, errors.New("filewatcher: nothing to watch")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fw
	return w, nil
}

// OnChange adds a callback receiving the absolute path of a changed file.
// Callbacks run on timer goroutines and may overlap for different files.
func (w *Watcher) OnChange(callback func(string)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The watcher stops when ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
		w.logger.Debug(fmt.Sprintf("Watcher: Watching directory %s", dir))
	}
	go w.loop(ctx)
	return nil
}

// Stop ends watching and drops pending notifications. It is safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()

		w.pendingMu.Lock()
		for name, t := range w.pending {
			t.Stop()
			delete(w.pending, name)
		}
		w.pendingMu.Unlock()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if name, ok := w.match(event.Name); ok {
				w.schedule(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(fmt.Sprintf("Watcher: %v", err))
		}
	}
}

func (w *Watcher) match(name string) (string, bool) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", false
	}
	if _, ok := w.files[abs]; ok {
		return abs, true
	}
	base := filepath.Base(abs)
	for _, pattern := range w.patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return abs, true
		}
	}
	return "", false
}

// schedule restarts the quiet period for name.
func (w *Watcher) schedule(name string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if t, ok := w.pending[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() { w.fire(name) })
}

func (w *Watcher) fire(name string) {
	w.pendingMu.Lock()
	delete(w.pending, name)
	w.pendingMu.Unlock()

	w.logger.Info(fmt.Sprintf("Watcher: %s changed", name))
	w.callbacksMu.RLock()
	callbacks := append(([]func(string))(nil), w.callbacks...)
	w.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb(name)
	}
}
