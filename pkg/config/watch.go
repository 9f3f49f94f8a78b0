package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/quiltfs/quiltfs/internal/logger"
)

// WatchLogging re-reads the config file whenever it changes and applies the
// logging section, so the log level can be turned up on a running front node
// without a restart. Only logging is live-reloaded; everything else needs a
// restart.
//
// Returns a stop function. Watch errors are logged, never fatal.
func WatchLogging(path string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors and config management tools
	// typically replace the file, which unregisters a file-level watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				changed, err := filepath.Abs(event.Name)
				if err != nil || changed != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				cfg, err := Load(path)
				if err != nil {
					logger.Warn("Config reload skipped", "path", path, "error", err)
					continue
				}
				logger.SetLevel(cfg.Logging.Level)
				logger.SetFormat(cfg.Logging.Format)
				logger.Info("Logging configuration reloaded", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
