package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors `path` for changes and calls onChange with the newly loaded Config each time the file is written.
// It runs until ctx is cancelled. If a reload fails (e.g., invalid YAML), the error is logged and onChange is
// not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return err
	}
	slog.Info("Watching config file for changes.", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, so creates count as writes.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			conf, err := Load(path)
			if err != nil {
				slog.Error("Failed to reload config file, keeping the previous values.", "path", path, "error", err)
				continue
			}
			slog.Info("Reloaded config file.", "path", path)
			onChange(conf)
			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watcher failed.", "error", err)
		}
	}
}
