package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gaud/gateway/pkg/safego"
)

// Watcher reloads the config file on change and hands the fresh tree
// to the onChange callback. Callers apply only the mutable knobs from
// it; the provider set is fixed at boot.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher creates a watcher for the given config file. The callback
// runs on the watch goroutine, so it must not block.
func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher needs a file path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		logger:   logger.With(zap.String("component", "config-watcher")),
	}, nil
}

// Start begins watching until ctx is cancelled. The watch is on the
// file's directory, not the file itself, so editors and orchestrators
// that replace the file by rename still trigger a reload.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("Watching config file", zap.String("path", w.path))

	safego.Go(w.logger, "config-watcher", func() {
		for {
			select {
			case <-ctx.Done():
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
				w.logger.Error("Config watch error", zap.Error(err))
			}
		}
	})
	return nil
}

// handleEvent reloads on writes and creates touching the config file.
// Editors often emit several events per save; reapplying the same
// config is idempotent, so no debounce is needed.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Op&fsnotify.Write == 0 && event.Op&fsnotify.Create == 0 {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}

// Close stops the underlying fs watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
