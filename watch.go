package apicache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adakings/apicache/internal/logging"
)

// DefaultWatchDebounce collapses the burst of events editors produce when
// saving a file.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatchConfig reloads s from path whenever the file changes, until ctx is
// cancelled. The directory is watched rather than the file so that
// atomic-rename saves are seen. A file that fails to parse or validate is
// logged and the running config is kept.
func WatchConfig(ctx context.Context, s *Service, path string, debounce time.Duration) error {
	return watchFile(ctx, path, debounce, func() {
		log := logging.Component("config")
		cfg, err := LoadConfig(path)
		if err != nil {
			log.Error("config reload failed", "path", path, "error", err.Error())
			return
		}
		if err := s.ReloadConfig(*cfg); err != nil {
			log.Error("config reload rejected", "path", path, "error", err.Error())
		}
	})
}

// watchFile calls onChange, debounced, for every write, create or rename
// of path. It blocks until ctx is done.
func watchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(abs), err)
	}

	log := logging.Component("config")
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err.Error())
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
