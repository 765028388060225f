package highlight

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the keyword file whenever it changes and hands the new
// matcher to fn. Invalid documents are logged and the previous rules stay
// in effect. The directory is watched so editors that replace the file are
// seen. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Matcher)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	logger.Info("watching keywords", "path", abs)

	var (
		timer   *time.Timer
		trigger <-chan time.Time
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

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			trigger = timer.C

		case <-trigger:
			trigger = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("keyword reload failed", "path", abs, "err", err)
				continue
			}
			logger.Info("keywords reloaded", "path", abs, "count", len(cfg.Keywords))
			fn(NewMatcher(cfg.Keywords))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("keyword watcher error", "err", err)
		}
	}
}
