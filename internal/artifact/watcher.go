package artifact

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// ChangeCallback is called after the watched artifact changed content.
// current is empty when the file was removed.
type ChangeCallback func(previous, current string)

// Watcher keeps the fingerprint of one artifact current
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	version string
	timer   *time.Timer

	cancel context.CancelFunc
}

// NewWatcher watches the directory holding path. Watching the directory
// rather than the file survives rename-over installs.
func NewWatcher(path string, callback ChangeCallback, l *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		callback: callback,
		debounce: 200 * time.Millisecond,
		logger:   logger.Component(l, "artifact"),
	}
	w.version, _ = Version(path)
	return w, nil
}

// Version returns the last observed fingerprint, empty when the artifact is absent
func (w *Watcher) Version() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Path returns the watched artifact path
func (w *Watcher) Path() string {
	return w.path
}

// Start begins delivering change events
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "path", w.path, "error", err)
			}
		}
	}()
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.refresh)
}

// refresh recomputes the fingerprint and reports a change
func (w *Watcher) refresh() {
	current, _ := Version(w.path)

	w.mu.Lock()
	previous := w.version
	w.version = current
	w.mu.Unlock()

	if current == previous {
		return
	}
	if current == "" {
		w.logger.Warn("model artifact removed", "path", w.path, "previous", previous)
	} else {
		w.logger.Info("model artifact changed", "path", w.path, "previous", previous, "current", current)
	}
	if w.callback != nil {
		w.callback(previous, current)
	}
}
