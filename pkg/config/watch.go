package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/talkingthreads/goblin/pkg/log"
)

const watchDebounce = 500 * time.Millisecond

// Watch loads the configuration and watches the file for changes. Each
// successfully parsed update is sent on the returned channel; parse failures
// keep the previous configuration and are only logged. The returned stop
// function releases the watcher.
func Watch(ctx context.Context, path string) (*Config, <-chan *Config, func() error, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil, err
	}

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, nil, err
	}

	updates := make(chan *Config)
	go func() {
		defer close(updates)

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Log("! Config watch error:", err)

			case <-timerC:
				timer = nil
				timerC = nil
				updated, err := Load(path)
				if err != nil {
					log.Logf("! Ignoring config update: %s", err)
					continue
				}
				select {
				case updates <- updated:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return cfg, updates, watcher.Close, nil
}
