package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle coalesces the burst of events editors produce on save.
const reloadSettle = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes the result
// to fn. Invalid files are logged and skipped. The parent directory is
// watched so atomic-rename saves are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle = time.After(reloadSettle)
			}
		case <-settle:
			settle = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Printf("config reload %s: %v", abs, err)
				continue
			}
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watch: %v", err)
		}
	}
}
