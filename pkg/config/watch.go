package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long Watch waits after the last change event before
// re-loading the file.
var WatchDebounce = 250 * time.Millisecond

// Watch re-loads the plugins file at path whenever it changes and hands the
// result to fn. A file that fails to load is reported through fn's error and
// watching continues. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename are still seen.
func (p *Parser) Watch(ctx context.Context, path string, fn func(*File, error)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve plugins file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			if timer == nil {
				timer = time.AfterFunc(WatchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(WatchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fn(nil, fmt.Errorf("watch %s: %w", path, err))

		case <-fire:
			fn(p.Load(path))
		}
	}
}
