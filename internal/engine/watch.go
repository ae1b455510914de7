package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch schedules an EventReload whenever a .cue file in the mappings
// directory is created, written, removed or renamed. It returns once the
// watch is established; watching stops when ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	dir := e.settings.MappingsDir
	if dir == "" {
		return fmt.Errorf("watch mappings: no mappings dir configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch mappings dir %s: %w", dir, err)
	}
	e.logger.Info("watching mappings", "dir", dir)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isMappingChange(ev) {
					continue
				}
				e.logger.Debug("mapping file changed", "path", ev.Name, "op", ev.Op.String())
				if !e.Schedule(Event{Type: EventReload, Path: ev.Name}) {
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn("mappings watcher error", "error", err)
			}
		}
	}()
	return nil
}

func isMappingChange(ev fsnotify.Event) bool {
	if filepath.Ext(ev.Name) != ".cue" {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
