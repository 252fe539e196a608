package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// ChangeFunc is called after a successful reload with the previous and the new configuration
type ChangeFunc func(old, updated *Config)

// Watcher reloads the configuration file when it changes on disk.
// The directory is watched rather than the file so editors that replace
// the file by rename are still picked up.
type Watcher struct {
	path     string
	mu       sync.RWMutex
	cfg      *Config
	fsw      *fsnotify.Watcher
	onChange ChangeFunc
	logger   *slog.Logger
}

// NewWatcher loads path and prepares a watcher for it
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:   abs,
		cfg:    cfg,
		fsw:    fsw,
		logger: logger,
	}, nil
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers the reload callback. Must be called before Start.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.onChange = fn
}

// Start blocks until ctx is cancelled, reloading the file after each burst of writes
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounce := time.NewTimer(0)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.fsw.Close()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounce.C:
			old, updated, err := w.reload()
			if err != nil {
				// Keep running on the last good configuration
				w.logger.Error("Failed to reload config", "error", err)
				continue
			}
			w.logger.Info("Config reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(old, updated)
			}
		}
	}
}

func (w *Watcher) reload() (*Config, *Config, error) {
	updated, err := Load(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	old := w.cfg
	w.cfg = updated
	w.mu.Unlock()

	return old, updated, nil
}

// Close stops watching. Safe to call after Start has returned.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
