package config

import (
	"path/filepath"
	"sync"
	"time"

	"plotloom/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches .plotloom/config.json for changes and reloads the logging
// section at runtime. It watches the containing directory rather than the
// file itself so editors that replace-on-save (write temp + rename) still
// trigger events.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	configPath  string
	debounce    time.Duration
	lastReload  time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	reloadCount int
}

// NewWatcher creates a watcher for the workspace's config file.
func NewWatcher(workspace string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:    fw,
		configPath: Path(workspace),
		debounce:   500 * time.Millisecond,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins watching. Safe to call once.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	w.running = true
	go w.loop()
	logging.BootDebug("Config watcher started for %s", w.configPath)
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastReload) < w.debounce {
				w.mu.Unlock()
				continue
			}
			w.lastReload = time.Now()
			w.reloadCount++
			w.mu.Unlock()

			if err := logging.ReloadConfig(); err != nil {
				logging.Get(logging.CategoryBoot).Warn("Config reload failed: %v", err)
				continue
			}
			logging.BootDebug("Logging config reloaded after change to %s", event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("Config watcher error: %v", err)
		}
	}
}

// ReloadCount returns how many reloads have fired (for tests).
func (w *Watcher) ReloadCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloadCount
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	return w.watcher.Close()
}
