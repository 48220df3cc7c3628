package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceDelay = 500 * time.Millisecond

// Watcher reloads a config file when it changes. Reloads that fail to
// parse or validate keep the previous configuration.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	// OnError, when set, receives failed reloads.
	OnError func(error)

	fsw *fsnotify.Watcher
}

// NewWatcher starts watching the directory holding path. Editors and
// config maps replace files by rename, so the file itself is not watched.
func NewWatcher(path string, debounce time.Duration, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = defaultDebounceDelay
	}
	return &Watcher{path: abs, debounce: debounce, onReload: onReload, fsw: fsw}, nil
}

// Run blocks until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	slog.Info("Started configuration watcher", "path", w.path, "debounce", w.debounce)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			slog.Info("Stopping configuration watcher")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				slog.Warn("Watcher events channel closed unexpectedly, stopping watcher")
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				schedule()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				slog.Warn("Watcher errors channel closed unexpectedly, stopping watcher")
				return
			}
			slog.Error("Error watching config file", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	slog.Info("Config file changed, attempting to reload", "path", w.path)
	cfg, _, err := Load(w.path, false)
	if err != nil {
		slog.Error("Failed to reload config file, keeping old configuration", "path", w.path, "error", err)
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	w.onReload(cfg)
	slog.Info("Configuration reloaded and applied", "path", w.path)
}
