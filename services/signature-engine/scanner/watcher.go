package scanner

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces editor save bursts into one reload.
const DefaultDebounce = 200 * time.Millisecond

// RuleDirWatcher watches a rules directory and calls onChange once per burst of
// changes to *.json files.
type RuleDirWatcher struct {
	fw       *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan struct{}
}

// WatchRuleDir starts watching dir. A debounce <= 0 uses DefaultDebounce.
func WatchRuleDir(dir string, debounce time.Duration, onChange func()) (*RuleDirWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &RuleDirWatcher{fw: fw, debounce: debounce, onChange: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *RuleDirWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("rule watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *RuleDirWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Stop ends monitoring. Safe to call multiple times.
func (w *RuleDirWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
	return w.fw.Close()
}
