package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback is called with the freshly loaded config after the file changes
type ReloadCallback func(*Config)

// Watcher reloads the config file when it changes on disk. Editors replace
// files rather than writing in place, so the parent directory is watched and
// events are debounced before reloading.
type Watcher struct {
	path     string
	callback ReloadCallback
	debounce time.Duration

	timer *time.Timer
	mu    sync.Mutex
}

// NewWatcher creates a watcher for the given config path
func NewWatcher(path string, callback ReloadCallback) *Watcher {
	return &Watcher{
		path:     path,
		callback: callback,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. A missing config directory is
// not an error: Load already tolerates an absent file, so hot reload just
// stays disabled until the next start.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config directory missing, hot reload disabled", "path", w.path)
			<-ctx.Done()
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config reload failed", "path", w.path, "error", err)
			return
		}
		slog.Info("config reloaded", "path", w.path)
		w.callback(cfg)
	})
}
