// Package watch implements the debounced manifest and env-file watchers
// (spec.md §4.9): fsnotify-backed, collapsing write bursts into a single
// reload after a 300ms stabilization window.
package watch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devloop-run/devloop/internal/devlog"
)

// DefaultDebounce is the write-stabilize window from spec.md §4.9/§5.
const DefaultDebounce = 300 * time.Millisecond

// ConfigWatcher watches one manifest file and invokes onChange after the
// debounce window following the last fsnotify event, for as long as the
// process keeps running.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	logger   devlog.Logger

	onChange func(path string)
	onError  func(err error)

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

// NewConfigWatcher builds a watcher for path. onChange fires once per
// debounced burst of write/create/rename events; onError fires for
// watch-level errors (the underlying file is still watched afterward).
func NewConfigWatcher(path string, logger devlog.Logger, onChange func(path string), onError func(err error)) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	cw := &ConfigWatcher{
		path:     path,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "config_watcher", "path", path),
		onChange: onChange,
		onError:  onError,
		watcher:  w,
		done:     make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *ConfigWatcher) run() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			cw.scheduleDebounced()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			if cw.onError != nil {
				cw.onError(err)
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) scheduleDebounced() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		cw.onChange(cw.path)
	})
}

// Close stops the watcher and its background goroutine.
func (cw *ConfigWatcher) Close() error {
	cw.once.Do(func() { close(cw.done) })
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}
