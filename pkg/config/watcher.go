package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProviderWatcher watches the provider config directory and hot-reloads
// individual provider definitions as their files change. Reloads are
// debounced per file to ride out editor write storms.
type ProviderWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProviderWatcher creates a watcher over the registry's source directory.
func NewProviderWatcher(registry *Registry, logger *slog.Logger) (*ProviderWatcher, error) {
	if registry.dir == "" {
		return nil, fmt.Errorf("registry was not loaded from a directory")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &ProviderWatcher{
		registry: registry,
		watcher:  w,
		logger:   logger.With("component", "config.watcher"),
		debounce: 200 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks processing file events until the context is cancelled or Stop
// is called.
func (pw *ProviderWatcher) Watch(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	pw.running = true
	pw.mu.Unlock()

	defer func() {
		pw.mu.Lock()
		pw.running = false
		pw.mu.Unlock()
		close(pw.doneCh)
	}()

	if err := pw.watcher.Add(pw.registry.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", pw.registry.dir, err)
	}

	pw.logger.Info("provider watcher started", "dir", pw.registry.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-pw.stopCh:
			return nil

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !pw.shouldProcess(event) {
				continue
			}
			pw.scheduleReload(event.Name)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			pw.logger.Error("provider watcher error", "error", err)
		}
	}
}

// Stop stops the watcher and waits for the event loop to exit.
func (pw *ProviderWatcher) Stop() error {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	return pw.watcher.Close()
}

// shouldProcess filters events down to YAML writes/creates.
func (pw *ProviderWatcher) shouldProcess(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return isYAML(base)
}

// scheduleReload debounces a reload of the provider named by the file stem.
func (pw *ProviderWatcher) scheduleReload(path string) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	pw.mu.Lock()
	defer pw.mu.Unlock()

	if t, ok := pw.timers[name]; ok {
		t.Stop()
	}
	pw.timers[name] = time.AfterFunc(pw.debounce, func() {
		if err := pw.registry.Reload(name); err != nil {
			pw.logger.Error("provider reload failed", "provider", name, "error", err)
			return
		}
		pw.logger.Info("provider reloaded", "provider", name)
	})
}
