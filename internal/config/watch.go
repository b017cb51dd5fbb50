package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the configuration whenever the file changes and passes
// each valid result to onChange. Invalid edits are logged and skipped.
// It blocks until ctx is done.
func Watch(ctx context.Context, configPath string, logger *logrus.Entry, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace the file, so watch its directory
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

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
			cfg, err := Load(abs)
			if err != nil {
				logger.WithError(err).Warn("Ignoring invalid configuration change")
				continue
			}
			logger.WithField("path", abs).Debug("Configuration reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Config watcher error")
		}
	}
}

// LevelWatcher applies logging level changes from reloaded configuration
func LevelWatcher(logger *logrus.Logger) func(*Config) {
	return func(cfg *Config) {
		level, err := logrus.ParseLevel(cfg.Logging.Level)
		if err != nil || level == logger.GetLevel() {
			return
		}
		logger.SetLevel(level)
		logger.WithField("level", level.String()).Info("Log level changed")
	}
}
