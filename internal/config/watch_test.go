package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[web]\nport = 8080\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to attach before rewriting the file
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[web]\nport = 9999\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Web.Port != 9999 {
			t.Errorf("reloaded port = %d, want 9999", cfg.Web.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change never triggered a reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestWatcher_MissingDirectoryIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.toml")

	w := NewWatcher(path, func(*Config) {
		t.Error("callback fired with nothing to watch")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Run must settle into waiting, not error out
	select {
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
