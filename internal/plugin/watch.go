package plugin

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever the given file changes. Editors write
// through renames, so the parent directory is watched and events are
// filtered to the target name. Bursts collapse into one reload.
func Watch(ctx context.Context, reg *Registry, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	target := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("plugin watch error", "error", err)
			case <-timerC:
				timer = nil
				timerC = nil
				slog.Info("plugin config changed, reloading", "path", path)
				reg.ReloadAll()
			}
		}
	}()
	return nil
}
