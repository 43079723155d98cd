package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Watcher reloads the configuration file when it changes on disk. A reload
// that fails validation keeps the previous configuration; only a valid
// file reaches the callback.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *telemetry.Logger

	// debounce coalesces the event bursts editors and atomic-rename
	// writers produce.
	debounce time.Duration
}

// NewWatcher creates a configuration watcher.
func NewWatcher(path string, onChange func(*Config), logger *telemetry.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.NewComponentLogger("config"),
		debounce: 250 * time.Millisecond,
	}
}

// Watch blocks until the context ends, invoking the callback on every
// valid change of the file. The parent directory is watched rather than
// the file itself so atomic renames keep being observed.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).Warn("configuration reload failed, keeping previous configuration")
				continue
			}
			w.logger.WithField("offerings", len(cfg.Offerings)).Info("configuration reloaded")
			w.onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("configuration watcher error")
		}
	}
}
