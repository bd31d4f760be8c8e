package watch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devloop-run/devloop/internal/devlog"
)

// EnvFileWatcher watches every distinct envFile referenced by the manifest
// and, on a debounced change, reports which process names reference it, so
// the caller can restart_if_running each of them (spec.md §4.9/§4.6).
type EnvFileWatcher struct {
	logger   devlog.Logger
	debounce time.Duration
	onChange func(processNames []string)

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	pathNames map[string][]string
	timers    map[string]*time.Timer
	done      chan struct{}
	closeOnce sync.Once
}

// NewEnvFileWatcher builds an (initially empty) watcher. Call SetWatchSet to
// populate it once the manifest has been loaded.
func NewEnvFileWatcher(logger devlog.Logger, onChange func(processNames []string)) (*EnvFileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ew := &EnvFileWatcher{
		logger:    logger.With("component", "env_file_watcher"),
		debounce:  DefaultDebounce,
		onChange:  onChange,
		watcher:   w,
		pathNames: make(map[string][]string),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	go ew.run()
	return ew, nil
}

// SetWatchSet replaces the watched envFile → processNames map entirely,
// adding newly-referenced files and dropping ones no longer referenced by
// any process (spec.md §4.9: "updates its watch set whenever the manifest
// changes").
func (ew *EnvFileWatcher) SetWatchSet(pathNames map[string][]string) {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	for path := range ew.pathNames {
		if _, stillWatched := pathNames[path]; !stillWatched {
			_ = ew.watcher.Remove(path)
			if t, ok := ew.timers[path]; ok {
				t.Stop()
				delete(ew.timers, path)
			}
		}
	}
	for path := range pathNames {
		if _, alreadyWatched := ew.pathNames[path]; !alreadyWatched {
			if err := ew.watcher.Add(path); err != nil {
				ew.logger.Warn("env file watch add failed", "path", path, "error", err)
			}
		}
	}

	cloned := make(map[string][]string, len(pathNames))
	for path, names := range pathNames {
		cloned[path] = append([]string(nil), names...)
	}
	ew.pathNames = cloned
}

func (ew *EnvFileWatcher) run() {
	for {
		select {
		case ev, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			ew.scheduleDebounced(ev.Name)
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("env file watcher error", "error", err)
		case <-ew.done:
			return
		}
	}
}

func (ew *EnvFileWatcher) scheduleDebounced(path string) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if t, ok := ew.timers[path]; ok {
		t.Stop()
	}
	ew.timers[path] = time.AfterFunc(ew.debounce, func() {
		ew.mu.Lock()
		names := append([]string(nil), ew.pathNames[path]...)
		ew.mu.Unlock()
		if len(names) > 0 {
			ew.onChange(names)
		}
	})
}

// Close stops the watcher and any pending debounce timers.
func (ew *EnvFileWatcher) Close() error {
	ew.closeOnce.Do(func() { close(ew.done) })
	ew.mu.Lock()
	for _, t := range ew.timers {
		t.Stop()
	}
	ew.mu.Unlock()
	return ew.watcher.Close()
}
