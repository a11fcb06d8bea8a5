package profile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"swarmpost/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the ledger in sync with the session artifact directory: a
// profile exists exactly while its <name>.json artifact does. Removal is
// deferred while the profile is reported busy so a record is never dropped
// under a running job.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	ledger      *Ledger
	sessionsDir string
	busy        func() []string // names currently held by running work; may be nil
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over sessionsDir. busy reports profiles that
// must not be removed even if their artifact disappears mid-run.
func NewWatcher(sessionsDir string, ledger *Ledger, busy func() []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		ledger:      ledger,
		sessionsDir: sessionsDir,
		busy:        busy,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start scans the directory once, then begins watching. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.sessionsDir, 0755); err != nil {
		logging.Get(logging.CategoryProfiles).Warn("watcher: failed to create sessions dir %s: %v", w.sessionsDir, err)
	}

	if err := w.Rescan(); err != nil {
		logging.Get(logging.CategoryProfiles).Warn("watcher: initial scan failed: %v", err)
	}

	if err := w.watcher.Add(w.sessionsDir); err != nil {
		logging.Get(logging.CategoryProfiles).Warn("watcher: watch failed: %v", err)
	} else {
		logging.Profiles("watching sessions dir: %s", w.sessionsDir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryProfiles).Error("watcher: close: %v", err)
	}
}

// Rescan reconciles the ledger against the directory contents: registers
// every artifact present and removes records whose artifact is gone.
func (w *Watcher) Rescan() error {
	entries, err := os.ReadDir(w.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	present := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		present[name] = true
		if err := w.ledger.Ensure(name); err != nil {
			return err
		}
	}

	for _, p := range w.ledger.List() {
		if !present[p.Name] && !w.isBusy(p.Name) {
			if err := w.ledger.Remove(p.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) isBusy(name string) bool {
	if w.busy == nil {
		return false
	}
	for _, b := range w.busy() {
		if b == name {
			return true
		}
	}
	return false
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
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
			logging.Get(logging.CategoryProfiles).Error("watcher: %v", err)
		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced applies events that have settled past the debounce
// window. Presence on disk, not the event type, decides the outcome: rapid
// save-then-delete sequences collapse to the final state.
func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		if _, err := os.Stat(path); err == nil {
			if err := w.ledger.Ensure(name); err != nil {
				logging.Get(logging.CategoryProfiles).Error("watcher: register %s: %v", name, err)
			}
		} else if os.IsNotExist(err) {
			if w.isBusy(name) {
				logging.Profiles("artifact for %s gone but profile busy; keeping record", name)
				continue
			}
			if err := w.ledger.Remove(name); err != nil {
				logging.Get(logging.CategoryProfiles).Error("watcher: remove %s: %v", name, err)
			}
		}
	}
}
