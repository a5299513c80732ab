package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/heapscope/heapscope/reader"
)

// watchSnapshot calls run once, then again every time the manifest of the snapshot in dir is
// written, until ctx is done. Failures of run are logged, not returned.
func watchSnapshot(ctx context.Context, logger *slog.Logger, dir string, run func() error) error {
	report := func() {
		err := run()
		if err != nil {
			logger.LogAttrs(ctx, slog.LevelError, "inspection failed", slog.String("error", err.Error()))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create a file watcher")
	}
	defer watcher.Close()

	err = watcher.Add(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}

	report()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != reader.ManifestName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			logger.LogAttrs(ctx, slog.LevelDebug, "snapshot changed", slog.String("file", event.Name))
			report()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "snapshot watch failed")
		}
	}
}
