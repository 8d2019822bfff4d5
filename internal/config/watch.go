package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/radiowatch/radiowatch/internal/logger"
)

// WatchFile reloads the configuration when its file changes on disk.
// Editors often replace config files instead of writing in place, so the
// watch is on the parent directory and filtered by name.
func (cm *ConfigManager) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log := logger.Named("config")

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce bursts of write events from a single save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					if err := cm.Reload(); err != nil {
						log.Error("config reload failed", "path", path, "error", err)
						return
					}
					log.Info("configuration reloaded", "path", path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
