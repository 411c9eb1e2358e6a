package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gantry/pkg/logging"
)

// WatcherConfig holds configuration for the config file watcher.
type WatcherConfig struct {
	// ConfigDir is the directory containing config.yaml.
	ConfigDir string

	// PollInterval is the fallback polling interval when fsnotify is not available.
	PollInterval time.Duration

	// OnChange is called after the config file changes, once the debounce
	// window has elapsed.
	OnChange func()
}

// DefaultPollInterval is used for fallback polling when fsnotify cannot
// watch the config directory.
const DefaultPollInterval = 10 * time.Second

// debounceInterval is the time to wait before invoking OnChange after the
// last detected change, so editors that write in multiple steps trigger a
// single reload.
const debounceInterval = 500 * time.Millisecond

// Watcher monitors the config file for changes and invokes a callback.
// It uses fsnotify for efficient file system monitoring with a fallback to
// polling for environments where fsnotify is not available or reliable.
type Watcher struct {
	mu sync.Mutex

	config WatcherConfig

	// fsWatcher is the fsnotify watcher (nil when fsnotify is unavailable)
	fsWatcher *fsnotify.Watcher

	// stopCh signals the watcher to stop
	stopCh chan struct{}

	// running indicates if the watcher is active
	running bool

	// lastModTime tracks the last modification time for fallback polling
	lastModTime time.Time

	// debounceTimer collapses rapid successive changes into one reload
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher for config.yaml inside config.ConfigDir.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &Watcher{config: config}
}

// Start begins watching for config changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("ConfigWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	w.fsWatcher = watcher

	// Watch the directory rather than the file itself so atomic
	// rename-over-save (the common editor pattern) is still observed.
	if err := w.fsWatcher.Add(w.config.ConfigDir); err != nil {
		logging.Warn("ConfigWatcher", "Failed to watch directory %s, falling back to polling: %v",
			w.config.ConfigDir, err)
		w.fsWatcher.Close()
		w.fsWatcher = nil
		go w.pollForChanges()
		return nil
	}

	// Capture channels before releasing the lock to avoid racing Stop().
	eventsCh := w.fsWatcher.Events
	errorsCh := w.fsWatcher.Errors

	go w.processEvents(eventsCh, errorsCh)

	logging.Info("ConfigWatcher", "Started watching %s for configuration changes", w.config.ConfigDir)
	return nil
}

// processEvents handles fsnotify events. The channels are passed as
// parameters to avoid race conditions with Stop().
func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("ConfigWatcher", err, "fsnotify error")
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != configFileName {
		return
	}

	// Writes, creates, and renames all indicate new content on disk.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	logging.Debug("ConfigWatcher", "Config file changed: %s", event.Name)

	w.triggerReloadDebounced()
}

// triggerReloadDebounced invokes OnChange after a debounce period so that
// several events from a single save collapse into one reload.
func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(debounceInterval, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

// pollForChanges implements fallback polling when fsnotify is not available.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	if info, err := os.Stat(w.configFilePath()); err == nil {
		w.lastModTime = info.ModTime()
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			if w.checkForChanges() {
				logging.Debug("ConfigWatcher", "Config file change detected via polling")
				w.triggerReloadDebounced()
			}
		}
	}
}

// checkForChanges reports whether config.yaml has been modified since the
// last poll.
func (w *Watcher) checkForChanges() bool {
	info, err := os.Stat(w.configFilePath())
	if err != nil {
		return false
	}

	currentModTime := info.ModTime()
	changed := !w.lastModTime.IsZero() && currentModTime.After(w.lastModTime)
	w.lastModTime = currentModTime

	return changed
}

func (w *Watcher) configFilePath() string {
	return filepath.Join(w.config.ConfigDir, configFileName)
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("ConfigWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}

	logging.Info("ConfigWatcher", "Stopped config watcher")
	return nil
}

// IsRunning returns whether the watcher is currently active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
