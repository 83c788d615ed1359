package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-reads the document whenever the file changes and hands every
// successfully parsed revision to apply. A document that fails to parse is
// logged and ignored; the running config stays as-is. Blocks until ctx is
// canceled.
func Watch(ctx context.Context, path string, log zerolog.Logger, apply func(*Document)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace the file on save
	// and the watch on the old inode would go stale.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	base := filepath.Base(path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		doc, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping current config")
			return
		}
		log.Info().Str("path", path).Int("tasks", len(doc.Tasks)).Msg("config reloaded")
		apply(doc)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce partial writes.
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
