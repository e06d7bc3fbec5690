package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const settingsReloadDelay = 250 * time.Millisecond

// WatchSettings reloads the settings file whenever it is written or replaced.
// The directory is watched rather than the file so editors that save through
// a rename are picked up too. It returns when ctx is done.
func WatchSettings(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path := filepath.Clean(SettingsFilePath())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// editors often emit several events per save
			reload = time.After(settingsReloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Settings watcher error", "error", err)
		case <-reload:
			reload = nil
			if err := ReadSettings(); err != nil {
				log.Error("Failed to reload settings", "path", path, "error", err)
				continue
			}
			log.Info("Settings reloaded", "path", path)
		}
	}
}
